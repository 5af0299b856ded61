package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 25 * time.Millisecond

const reloadOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// ProfilesWatcher reloads prefilter profiles when the configured file or
// folder changes. Call Stop to release the fsnotify handle.
type ProfilesWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop cancels the watch loop and blocks until it has exited.
func (w *ProfilesWatcher) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
}

// WatchProfiles builds the profile bundle once, hands it to onChange
// synchronously, then keeps rebuilding it on filesystem changes. cfg should
// come from Loader.Load so the inline profiles are captured. Rebuild errors go
// to onError and leave the previous bundle in place.
func (l *Loader) WatchProfiles(ctx context.Context, cfg Config, onChange func(ProfileBundle), onError func(error)) (*ProfilesWatcher, error) {
	if onChange == nil {
		return nil, errors.New("config: watch profiles requires a change callback")
	}
	source := cfg.Server.Prefilter
	if source.ProfilesFile == "" && source.ProfilesFolder == "" {
		return nil, errors.New("config: no profiles source configured for watching")
	}
	if onError == nil {
		onError = func(error) {}
	}

	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch profiles: %w", err)
	}
	watchCtx, cancel := context.WithCancel(ctx)

	loop := &profileWatchLoop{
		ctx:      watchCtx,
		notify:   notify,
		inline:   cloneProfileMap(cfg.InlineProfiles),
		source:   source,
		onChange: onChange,
		onError:  onError,
		dirs:     make(map[string]struct{}),
	}

	bundle, err := buildProfileBundle(watchCtx, loop.inline, source)
	if err != nil {
		loop.closeNotify()
		cancel()
		return nil, err
	}
	onChange(bundle)

	if err := loop.register(); err != nil {
		loop.closeNotify()
		cancel()
		return nil, err
	}

	w := &ProfilesWatcher{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(w.done)
		defer loop.closeNotify()
		loop.run()
	}()
	return w, nil
}

type profileWatchLoop struct {
	ctx      context.Context
	notify   *fsnotify.Watcher
	inline   map[string]ProfileConfig
	source   PrefilterConfig
	onChange func(ProfileBundle)
	onError  func(error)

	// targetFile is set in single-file mode; folder mode watches every
	// directory under the root instead.
	targetFile string
	dirs       map[string]struct{}
}

// register adds the directories to watch. A single file is watched through
// its parent so editors that replace the file by rename are still seen.
func (p *profileWatchLoop) register() error {
	if p.source.ProfilesFile != "" {
		abs, err := filepath.Abs(p.source.ProfilesFile)
		if err != nil {
			return fmt.Errorf("config: resolve profiles file: %w", err)
		}
		p.targetFile = filepath.Clean(abs)
		p.addDir(filepath.Dir(p.targetFile))
		return nil
	}
	root, err := filepath.Abs(p.source.ProfilesFolder)
	if err != nil {
		return fmt.Errorf("config: resolve profiles folder: %w", err)
	}
	p.addTree(root)
	return nil
}

func (p *profileWatchLoop) addTree(root string) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			p.onError(fmt.Errorf("config: walk watcher %s: %w", path, walkErr))
			return nil
		}
		if d.IsDir() {
			p.addDir(path)
		}
		return nil
	})
	if err != nil {
		p.onError(fmt.Errorf("config: traverse watcher %s: %w", root, err))
	}
}

func (p *profileWatchLoop) addDir(dir string) {
	dir = filepath.Clean(dir)
	if _, ok := p.dirs[dir]; ok {
		return
	}
	if err := p.notify.Add(dir); err != nil {
		p.onError(fmt.Errorf("config: watch add %s: %w", dir, err))
		return
	}
	p.dirs[dir] = struct{}{}
}

func (p *profileWatchLoop) closeNotify() {
	if err := p.notify.Close(); err != nil {
		p.onError(fmt.Errorf("config: watch profiles close: %w", err))
	}
}

// relevant reports whether event should trigger a reload. New directories in
// folder mode are added to the watch set.
func (p *profileWatchLoop) relevant(event fsnotify.Event) bool {
	name := filepath.Clean(event.Name)
	if p.targetFile != "" {
		if name != p.targetFile {
			return false
		}
		if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
			p.onError(fmt.Errorf("config: profiles file %s removed", p.targetFile))
		}
		return event.Op&reloadOps != 0
	}
	if event.Op&fsnotify.Create != 0 && isDir(name) {
		p.addTree(name)
		return true
	}
	return isSupportedProfilesFile(name) && event.Op&reloadOps != 0
}

func (p *profileWatchLoop) reload() {
	bundle, err := buildProfileBundle(p.ctx, p.inline, p.source)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.onError(err)
		}
		return
	}
	p.onChange(bundle)
}

func (p *profileWatchLoop) run() {
	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()
	pending := false

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-timer.C:
			pending = false
			p.reload()
		case event, ok := <-p.notify.Events:
			if !ok {
				return
			}
			if !p.relevant(event) {
				continue
			}
			if pending && !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(reloadDebounce)
			pending = true
		case err, ok := <-p.notify.Errors:
			if !ok {
				return
			}
			p.onError(fmt.Errorf("config: watch error: %w", err))
		}
	}
}
