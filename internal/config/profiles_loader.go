package config

import (
	"context"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/l0p7/contractcache/internal/expr"
	"github.com/l0p7/contractcache/internal/prefilter"
)

const inlineSourceName = "inline-config"

// ProfileBundle captures the merged profile definitions after loading every
// configured source, plus what was skipped and why.
type ProfileBundle struct {
	Profiles map[string]ProfileConfig
	Sources  []string
	Skipped  []DefinitionSkip
}

type profileDocument struct {
	Profiles map[string]ProfileConfig `koanf:"profiles"`
}

type profileAggregator struct {
	profiles map[string]ProfileConfig
	origins  map[string]string
	skips    map[string]*DefinitionSkip
	sources  map[string]struct{}
}

func newProfileAggregator() *profileAggregator {
	return &profileAggregator{
		profiles: make(map[string]ProfileConfig),
		origins:  make(map[string]string),
		skips:    make(map[string]*DefinitionSkip),
		sources:  make(map[string]struct{}),
	}
}

func (a *profileAggregator) addDocument(doc profileDocument, source string) {
	if source != "" {
		a.sources[source] = struct{}{}
	}
	for name, cfg := range doc.Profiles {
		a.addProfile(name, cfg, source)
	}
}

func (a *profileAggregator) addProfile(name string, cfg ProfileConfig, source string) {
	if existing, ok := a.skips[name]; ok {
		existing.Sources = appendUnique(existing.Sources, source)
		return
	}
	if prev, ok := a.origins[name]; ok {
		a.recordSkip(name, "duplicate definition", prev, source)
		delete(a.origins, name)
		delete(a.profiles, name)
		return
	}
	a.origins[name] = source
	a.profiles[name] = cfg
}

// validate quarantines profiles with inconsistent thresholds or rules that do
// not compile, so a bad file never takes the whole registry down.
func (a *profileAggregator) validate(env *expr.Environment) {
	for name, cfg := range a.profiles {
		err := cfg.Validate()
		if err == nil {
			_, err = prefilter.CompileRules(env, ruleDefinitions(cfg.Rules))
		}
		if err != nil {
			a.recordSkip(name, fmt.Sprintf("invalid profile: %v", err), a.origins[name])
			delete(a.origins, name)
			delete(a.profiles, name)
		}
	}
}

func (a *profileAggregator) recordSkip(name, reason string, sources ...string) {
	if skip, ok := a.skips[name]; ok {
		if skip.Reason == "" {
			skip.Reason = reason
		}
		for _, src := range sources {
			skip.Sources = appendUnique(skip.Sources, src)
		}
		return
	}
	skip := &DefinitionSkip{
		Kind:    "profile",
		Name:    name,
		Reason:  reason,
		Sources: []string{},
	}
	for _, src := range sources {
		skip.Sources = appendUnique(skip.Sources, src)
	}
	a.skips[name] = skip
}

func (a *profileAggregator) bundle() ProfileBundle {
	profiles := maps.Clone(a.profiles)
	skipped := make([]DefinitionSkip, 0, len(a.skips))
	for _, skip := range a.skips {
		sort.Strings(skip.Sources)
		skipped = append(skipped, *skip)
	}
	sort.Slice(skipped, func(i, j int) bool { return skipped[i].Name < skipped[j].Name })
	sources := make([]string, 0, len(a.sources))
	for src := range a.sources {
		if src != "" {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return ProfileBundle{Profiles: profiles, Sources: sources, Skipped: skipped}
}

func appendUnique(list []string, value string) []string {
	if value == "" {
		return list
	}
	if !slices.Contains(list, value) {
		list = append(list, value)
	}
	return list
}

func buildProfileBundle(ctx context.Context, inline map[string]ProfileConfig, prefilterCfg PrefilterConfig) (ProfileBundle, error) {
	agg := newProfileAggregator()
	if len(inline) > 0 {
		agg.addDocument(profileDocument{Profiles: inline}, inlineSourceName)
	}

	files, err := collectProfileSources(ctx, prefilterCfg)
	if err != nil {
		return ProfileBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return ProfileBundle{}, ctx.Err()
		default:
		}
		doc, err := loadProfileDocument(path)
		if err != nil {
			return ProfileBundle{}, err
		}
		agg.addDocument(doc, path)
	}
	env, err := expr.NewEnvironment()
	if err != nil {
		return ProfileBundle{}, err
	}
	agg.validate(env)
	return agg.bundle(), nil
}

func collectProfileSources(ctx context.Context, cfg PrefilterConfig) ([]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if cfg.ProfilesFile != "" {
		if err := ensureFileExists(cfg.ProfilesFile); err != nil {
			return nil, err
		}
		return []string{cfg.ProfilesFile}, nil
	}
	if cfg.ProfilesFolder == "" {
		return nil, nil
	}
	stat, err := os.Stat(cfg.ProfilesFolder)
	if err != nil {
		return nil, fmt.Errorf("config: profiles folder %s: %w", cfg.ProfilesFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: profiles folder %s is not a directory", cfg.ProfilesFolder)
	}
	var files []string
	err = filepath.WalkDir(cfg.ProfilesFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !isSupportedProfilesFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk profiles folder %s: %w", cfg.ProfilesFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: profiles file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: profiles file %s: expected a file, found directory", path)
	}
	return nil
}

func loadProfileDocument(path string) (profileDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return profileDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return profileDocument{}, fmt.Errorf("config: load profiles from %s: %w", path, err)
	}
	var doc profileDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return profileDocument{}, fmt.Errorf("config: decode profiles from %s: %w", path, err)
	}
	if doc.Profiles == nil {
		doc.Profiles = make(map[string]ProfileConfig)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported profiles file extension %s", ext)
	}
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isSupportedProfilesFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}

func cloneProfileMap(in map[string]ProfileConfig) map[string]ProfileConfig {
	if len(in) == 0 {
		return nil
	}
	return maps.Clone(in)
}

func ruleDefinitions(rules []ProfileRuleConfig) []prefilter.RuleDefinition {
	defs := make([]prefilter.RuleDefinition, 0, len(rules))
	for _, r := range rules {
		defs = append(defs, prefilter.RuleDefinition{Name: r.Name, Reason: r.Reason, When: r.When})
	}
	return defs
}

// PrefilterProfiles compiles a bundle into registry profiles, sorted by name.
func (b ProfileBundle) PrefilterProfiles() ([]prefilter.Profile, error) {
	return compileProfiles(b.Profiles)
}

// PrefilterProfiles compiles the loaded profiles into registry profiles.
func (c Config) PrefilterProfiles() ([]prefilter.Profile, error) {
	return compileProfiles(c.Profiles)
}

func compileProfiles(in map[string]ProfileConfig) ([]prefilter.Profile, error) {
	env, err := expr.NewEnvironment()
	if err != nil {
		return nil, err
	}
	names := slices.Sorted(maps.Keys(in))
	out := make([]prefilter.Profile, 0, len(names))
	for _, name := range names {
		cfg := in[name]
		rules, err := prefilter.CompileRules(env, ruleDefinitions(cfg.Rules))
		if err != nil {
			return nil, fmt.Errorf("config: profile %q: %w", name, err)
		}
		out = append(out, prefilter.Profile{
			Name: name,
			Criteria: prefilter.Criteria{
				BudgetMin:      cfg.BudgetMin,
				BudgetMax:      cfg.BudgetMax,
				BudgetCurrency: cfg.BudgetCurrency,
				MinRating:      cfg.MinRating,
				MinReviews:     cfg.MinReviews,
				ExcludeBrands:  slices.Clone(cfg.ExcludeBrands),
				MaxCandidates:  cfg.MaxCandidates,
				Rules:          rules,
			},
		})
	}
	return out, nil
}
