package contract

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/l0p7/contractcache/internal/templates"
)

// ErrNotFound reports that no contract text exists at name/version.
var ErrNotFound = errors.New("contract: not found")

const contractExt = ".md"

// Resolution is the outcome of a contract lookup. Text is only meaningful when
// Found is true.
type Resolution struct {
	Name    string
	Version string
	Text    string
	Path    string
	Found   bool
}

// Store resolves contract text from durable storage.
type Store interface {
	Lookup(name, version string) Resolution
	Load(name, version string) (string, error)
	ListVersions(name string) ([]string, error)
}

// FileStore reads contracts laid out as <root>/<name>/<version>.md. Every call
// goes back to disk.
type FileStore struct {
	root string
}

// NewFileStore returns a store rooted at dir. The directory may not exist yet;
// lookups report not found until it does.
func NewFileStore(dir string) *FileStore {
	return &FileStore{root: dir}
}

// Root returns the configured contracts directory.
func (s *FileStore) Root() string { return s.root }

// Lookup resolves the contract text without failing.
func (s *FileStore) Lookup(name, version string) Resolution {
	res := Resolution{Name: name, Version: version}
	if !validSegment(name) || !validSegment(version) {
		return res
	}
	sandbox, err := templates.NewSandbox(s.root)
	if err != nil {
		return res
	}
	data, path, err := sandbox.ReadFile(filepath.Join(name, version+contractExt))
	if err != nil {
		return res
	}
	res.Text = string(data)
	res.Path = path
	res.Found = true
	return res
}

// Load returns the contract text or ErrNotFound.
func (s *FileStore) Load(name, version string) (string, error) {
	res := s.Lookup(name, version)
	if !res.Found {
		return "", fmt.Errorf("%w: %s/%s", ErrNotFound, name, version)
	}
	return res.Text, nil
}

// ListVersions returns the versions available for name, semver-ordered with
// non-semver identifiers last. Unknown names yield an empty list.
func (s *FileStore) ListVersions(name string) ([]string, error) {
	if !validSegment(name) {
		return []string{}, nil
	}
	sandbox, err := templates.NewSandbox(s.root)
	if err != nil {
		return []string{}, nil
	}
	dir, err := sandbox.Resolve(name)
	if err != nil {
		return []string{}, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("contract: list versions of %s: %w", name, err)
	}
	versions := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != contractExt {
			continue
		}
		versions = append(versions, strings.TrimSuffix(entry.Name(), contractExt))
	}
	sortVersions(versions)
	return versions, nil
}

func sortVersions(versions []string) {
	parsed := make(map[string]*semver.Version, len(versions))
	for _, v := range versions {
		if sv, err := semver.NewVersion(v); err == nil {
			parsed[v] = sv
		}
	}
	sort.SliceStable(versions, func(i, j int) bool {
		a, aok := parsed[versions[i]]
		b, bok := parsed[versions[j]]
		switch {
		case aok && bok:
			if cmp := a.Compare(b); cmp != 0 {
				return cmp < 0
			}
			return versions[i] < versions[j]
		case aok:
			return true
		case bok:
			return false
		default:
			return versions[i] < versions[j]
		}
	})
}

func validSegment(s string) bool {
	if strings.TrimSpace(s) == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, `/\`)
}

var _ Store = (*FileStore)(nil)
