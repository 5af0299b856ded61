package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitForBundle(t *testing.T, changeCh <-chan ProfileBundle, errCh <-chan error, timeout time.Duration, match func(ProfileBundle) bool) ProfileBundle {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case bundle := <-changeCh:
			if match(bundle) {
				return bundle
			}
		case err := <-errCh:
			t.Fatalf("unexpected error: %v", err)
		case <-deadline:
			t.Fatal("timeout waiting for profile bundle")
		}
	}
}

func TestWatchProfilesFileReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	profilesFile := filepath.Join(dir, "profiles.yaml")
	if err := os.WriteFile(profilesFile, []byte("profiles:\n  file-profile:\n    description: v1\n    budgetMax: 50\n"), 0o600); err != nil {
		t.Fatalf("failed to write profiles file: %v", err)
	}

	serverCfg := filepath.Join(dir, "server.yaml")
	configContents := "server:\n  prefilter:\n    profilesFolder: \"\"\n    profilesFile: %s\nprofiles:\n  inline-profile:\n    description: inline\n    budgetMax: 20\n"
	if err := os.WriteFile(serverCfg, []byte(fmt.Sprintf(configContents, profilesFile)), 0o600); err != nil {
		t.Fatalf("failed to write server config: %v", err)
	}

	loader := NewLoader(EnvPrefix, serverCfg)
	cfg, err := loader.Load(ctx)
	if err != nil {
		t.Fatalf("loader failed: %v", err)
	}

	changeCh := make(chan ProfileBundle, 8)
	errCh := make(chan error, 4)

	watcher, err := loader.WatchProfiles(ctx, cfg, func(bundle ProfileBundle) {
		changeCh <- bundle
	}, func(err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	initial := waitForBundle(t, changeCh, errCh, 2*time.Second, func(ProfileBundle) bool { return true })
	if _, ok := initial.Profiles["inline-profile"]; !ok {
		t.Fatalf("inline profile missing on initial load: %v", initial.Profiles)
	}
	if got := initial.Profiles["file-profile"].Description; got != "v1" {
		t.Fatalf("expected file profile v1, got %q", got)
	}

	if err := os.WriteFile(profilesFile, []byte("profiles:\n  file-profile:\n    description: v2\n    budgetMax: 70\n"), 0o600); err != nil {
		t.Fatalf("failed to update profiles file: %v", err)
	}

	reloaded := waitForBundle(t, changeCh, errCh, 2*time.Second, func(b ProfileBundle) bool {
		return b.Profiles["file-profile"].Description == "v2"
	})
	if reloaded.Profiles["file-profile"].BudgetMax != 70 {
		t.Fatalf("expected updated budget, got %v", reloaded.Profiles["file-profile"].BudgetMax)
	}
	if _, ok := reloaded.Profiles["inline-profile"]; !ok {
		t.Fatalf("inline profile missing after reload")
	}
}

func TestWatchProfilesFolderReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	profilesDir := filepath.Join(dir, "profiles")
	if err := os.MkdirAll(profilesDir, 0o755); err != nil {
		t.Fatalf("failed to create profiles folder: %v", err)
	}

	serverCfg := filepath.Join(dir, "server.yaml")
	configContents := "server:\n  prefilter:\n    profilesFolder: %s\nprofiles:\n  inline-profile:\n    description: inline\n"
	if err := os.WriteFile(serverCfg, []byte(fmt.Sprintf(configContents, profilesDir)), 0o600); err != nil {
		t.Fatalf("failed to write server config: %v", err)
	}

	loader := NewLoader(EnvPrefix, serverCfg)
	cfg, err := loader.Load(ctx)
	if err != nil {
		t.Fatalf("loader failed: %v", err)
	}

	changeCh := make(chan ProfileBundle, 8)
	errCh := make(chan error, 4)

	watcher, err := loader.WatchProfiles(ctx, cfg, func(bundle ProfileBundle) {
		changeCh <- bundle
	}, func(err error) {
		errCh <- err
	})
	if err != nil {
		t.Fatalf("watcher failed: %v", err)
	}
	defer watcher.Stop()

	initial := waitForBundle(t, changeCh, errCh, 2*time.Second, func(ProfileBundle) bool { return true })
	if len(initial.Profiles) != 1 {
		t.Fatalf("expected only inline profile initially, got %v", initial.Profiles)
	}

	profilePath := filepath.Join(profilesDir, "lamps.yaml")
	if err := os.WriteFile(profilePath, []byte("profiles:\n  folder-profile:\n    minRating: 4.5\n"), 0o600); err != nil {
		t.Fatalf("failed to create profiles document: %v", err)
	}

	reloaded := waitForBundle(t, changeCh, errCh, 3*time.Second, func(b ProfileBundle) bool {
		_, ok := b.Profiles["folder-profile"]
		return ok
	})
	if _, ok := reloaded.Profiles["inline-profile"]; !ok {
		t.Fatalf("inline profile missing after reload")
	}
}

func TestWatchProfilesRequiresSource(t *testing.T) {
	loader := NewLoader(EnvPrefix)
	cfg := DefaultConfig()
	if _, err := loader.WatchProfiles(context.Background(), cfg, func(ProfileBundle) {}, nil); err == nil {
		t.Fatal("expected error without a profiles source")
	}
	cfg.Server.Prefilter.ProfilesFile = "profiles.yaml"
	if _, err := loader.WatchProfiles(context.Background(), cfg, nil, nil); err == nil {
		t.Fatal("expected error without a change callback")
	}
}
