package config

import (
	"context"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildProfileBundleMergesSources(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	profilesFile := filepath.Join(dir, "profiles.yaml")
	writeFile(t, profilesFile, "profiles:\n  file-profile:\n    budgetMax: 80\n    budgetCurrency: EUR\n")

	inline := map[string]ProfileConfig{"inline-profile": {BudgetMax: 10}}

	bundle, err := buildProfileBundle(ctx, inline, PrefilterConfig{ProfilesFile: profilesFile})
	require.NoError(t, err)
	require.Len(t, bundle.Profiles, 2)
	require.Equal(t, "EUR", bundle.Profiles["file-profile"].BudgetCurrency)
	require.True(t, slices.Contains(bundle.Sources, inlineSourceName))
	require.True(t, slices.Contains(bundle.Sources, profilesFile))
	require.Empty(t, bundle.Skipped)
}

func TestBuildProfileBundleParsesFormats(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "profiles:\n  yaml-profile:\n    minRating: 4.2\n")
	writeFile(t, filepath.Join(dir, "nested", "b.json"), `{"profiles":{"json-profile":{"minReviews":300}}}`)
	writeFile(t, filepath.Join(dir, "c.toml"), "[profiles.toml-profile]\nmaxCandidates = 3\n")
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")

	bundle, err := buildProfileBundle(ctx, nil, PrefilterConfig{ProfilesFolder: dir})
	require.NoError(t, err)
	require.Equal(t, 4.2, bundle.Profiles["yaml-profile"].MinRating)
	require.Equal(t, int64(300), bundle.Profiles["json-profile"].MinReviews)
	require.Equal(t, 3, bundle.Profiles["toml-profile"].MaxCandidates)
	require.Len(t, bundle.Sources, 3)
}

func TestBuildProfileBundleSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "profiles:\n  dup:\n    budgetMax: 1\n  unique:\n    budgetMax: 2\n")
	writeFile(t, filepath.Join(dir, "b.yaml"), "profiles:\n  dup:\n    budgetMax: 3\n")

	bundle, err := buildProfileBundle(ctx, map[string]ProfileConfig{"dup": {}}, PrefilterConfig{ProfilesFolder: dir})
	require.NoError(t, err)
	require.NotContains(t, bundle.Profiles, "dup")
	require.Contains(t, bundle.Profiles, "unique")
	require.Len(t, bundle.Skipped, 1)
	skip := bundle.Skipped[0]
	require.Equal(t, "profile", skip.Kind)
	require.Equal(t, "dup", skip.Name)
	require.Equal(t, "duplicate definition", skip.Reason)
	require.Equal(t, []string{filepath.Join(dir, "a.yaml"), filepath.Join(dir, "b.yaml"), inlineSourceName}, skip.Sources)
}

func TestBuildProfileBundleSkipsInvalidProfiles(t *testing.T) {
	ctx := context.Background()
	inline := map[string]ProfileConfig{
		"bad-cel":    {Rules: []ProfileRuleConfig{{Name: "broken", When: "candidate.asin +"}}},
		"bad-budget": {BudgetMin: 10, BudgetMax: 5},
		"good":       {Rules: []ProfileRuleConfig{{Name: "ok", When: `candidate.status == "ok"`}}},
	}
	bundle, err := buildProfileBundle(ctx, inline, PrefilterConfig{})
	require.NoError(t, err)
	require.Equal(t, []string{"good"}, sortedKeys(bundle.Profiles))
	require.Len(t, bundle.Skipped, 2)
	require.Equal(t, "bad-budget", bundle.Skipped[0].Name)
	require.Equal(t, "bad-cel", bundle.Skipped[1].Name)
	require.Contains(t, bundle.Skipped[1].Reason, "invalid profile")
}

func TestBuildProfileBundleErrors(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	_, err := buildProfileBundle(ctx, nil, PrefilterConfig{ProfilesFile: filepath.Join(dir, "missing.yaml")})
	require.Error(t, err)

	_, err = buildProfileBundle(ctx, nil, PrefilterConfig{ProfilesFile: dir})
	require.Error(t, err)

	file := filepath.Join(dir, "file.yaml")
	writeFile(t, file, "profiles: {}\n")
	_, err = buildProfileBundle(ctx, nil, PrefilterConfig{ProfilesFolder: file})
	require.Error(t, err)

	broken := filepath.Join(dir, "broken.yaml")
	writeFile(t, broken, "profiles: [\n")
	_, err = buildProfileBundle(ctx, nil, PrefilterConfig{ProfilesFile: broken})
	require.Error(t, err)

	_, err = buildProfileBundle(ctx, nil, PrefilterConfig{ProfilesFile: filepath.Join(dir, "profiles.ini")})
	require.Error(t, err)
}

func TestPrefilterProfilesCompilesCriteria(t *testing.T) {
	bundle := ProfileBundle{Profiles: map[string]ProfileConfig{
		"b": {BudgetMin: 1, BudgetMax: 2, BudgetCurrency: "USD", MinRating: 4, MinReviews: 10, ExcludeBrands: []string{"X"}, MaxCandidates: 3,
			Rules: []ProfileRuleConfig{{Name: "r", Reason: "custom", When: "true"}}},
		"a": {},
	}}
	profiles, err := bundle.PrefilterProfiles()
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	require.Equal(t, "a", profiles[0].Name)
	b := profiles[1].Criteria
	require.Equal(t, 2.0, b.BudgetMax)
	require.Equal(t, []string{"X"}, b.ExcludeBrands)
	require.Len(t, b.Rules, 1)
	require.Equal(t, "custom", b.Rules[0].Reason)

	_, err = ProfileBundle{Profiles: map[string]ProfileConfig{"x": {Rules: []ProfileRuleConfig{{Name: "r", When: "1"}}}}}.PrefilterProfiles()
	require.Error(t, err)
}

func sortedKeys(m map[string]ProfileConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
