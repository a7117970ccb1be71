// Package resolver loads agent definitions from a directory of YAML
// files and resolves agent names into the opaque capability blobs
// stamped onto runs. Definitions are cached and invalidated by an
// fsnotify watch on the directory, with a periodic full reload as a
// safety net.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// fallbackReloadInterval is the safety-net reload period when the
// directory watch misses events.
const fallbackReloadInterval = 60 * time.Second

// Definition is one agent definition file (<name>.yaml in the agents
// directory).
type Definition struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Command     []string          `yaml:"command,omitempty"`
	Model       string            `yaml:"model,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Settings    map[string]any    `yaml:"settings,omitempty"`
}

// Resolver caches agent definitions from a directory.
type Resolver struct {
	dir string
	log *slog.Logger

	mu    sync.RWMutex
	cache map[string]Definition
}

// New creates a Resolver over dir. The directory does not need to exist
// yet; Resolve reports unknown agents until definitions appear.
func New(dir string, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{dir: dir, log: log}
}

// Resolve returns the capability blob for agentName: the agent's
// definition serialized as JSON. Unknown agents are an error.
func (r *Resolver) Resolve(_ context.Context, agentName string) (string, error) {
	r.mu.RLock()
	cache := r.cache
	r.mu.RUnlock()

	if cache == nil {
		loaded, err := r.loadAll()
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.cache = loaded
		cache = loaded
		r.mu.Unlock()
	}

	def, ok := cache[agentName]
	if !ok {
		return "", fmt.Errorf("unknown agent %q (no definition in %s)", agentName, r.dir)
	}
	blob, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("encode agent %q: %w", agentName, err)
	}
	return string(blob), nil
}

// Watch invalidates the cache when the agents directory changes. It
// blocks until ctx is canceled and degrades to pure periodic reload if
// the watch cannot be established.
func (r *Resolver) Watch(ctx context.Context) {
	ticker := time.NewTicker(fallbackReloadInterval)
	defer ticker.Stop()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.log.Warn("agents watch unavailable, reloading periodically", "err", err)
		r.watchPoll(ctx, ticker)
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(r.dir); err != nil {
		r.log.Warn("agents watch unavailable, reloading periodically", "dir", r.dir, "err", err)
		r.watchPoll(ctx, ticker)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-watcher.Events:
			r.invalidate()
		case err := <-watcher.Errors:
			if err != nil {
				r.log.Warn("agents watch error", "err", err)
			}
		case <-ticker.C:
			r.invalidate()
		}
	}
}

func (r *Resolver) watchPoll(ctx context.Context, ticker *time.Ticker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.invalidate()
		}
	}
}

// invalidate drops the cache; the next Resolve reloads from disk.
func (r *Resolver) invalidate() {
	r.mu.Lock()
	r.cache = nil
	r.mu.Unlock()
}

// loadAll parses every *.yaml/*.yml file in the agents directory. A
// file that fails to parse is skipped with a warning rather than
// poisoning the whole directory.
func (r *Resolver) loadAll() (map[string]Definition, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Definition{}, nil
		}
		return nil, fmt.Errorf("read agents dir %s: %w", r.dir, err)
	}

	defs := make(map[string]Definition, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(r.dir, entry.Name())
		data, err := os.ReadFile(path) //nolint:gosec // path is inside the configured agents dir
		if err != nil {
			r.log.Warn("skipping unreadable agent definition", "path", path, "err", err)
			continue
		}
		var def Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			r.log.Warn("skipping malformed agent definition", "path", path, "err", err)
			continue
		}
		if def.Name == "" {
			def.Name = strings.TrimSuffix(entry.Name(), ext)
		}
		defs[def.Name] = def
	}
	return defs, nil
}
