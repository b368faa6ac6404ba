package definition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phaseflow/internal/logging"
)

// reloadDelay coalesces bursts of file events into one reload.
const reloadDelay = 200 * time.Millisecond

// Catalog holds the pipeline definitions of one directory.
type Catalog struct {
	dir    string
	logger *logging.Logger

	mu       sync.RWMutex
	defs     map[string]*Definition
	onReload []func()
}

// NewCatalog creates an empty catalog for dir. Call Load to read it.
func NewCatalog(dir string, logger *logging.Logger) *Catalog {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Catalog{dir: dir, logger: logger, defs: make(map[string]*Definition)}
}

// Load reads every *.toml file in the directory and replaces the catalog
// contents. Files that fail to parse or validate are left out and reported
// in the returned error; the valid ones are still loaded.
func (c *Catalog) Load(ctx context.Context) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("reading definitions dir: %w", err)
	}

	defs := make(map[string]*Definition)
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !isDefinitionFile(e.Name()) {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		def, err := LoadFile(path)
		if err == nil {
			err = def.Validate()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
			continue
		}
		if prev, dup := defs[def.Name]; dup {
			errs = append(errs, fmt.Errorf("%s: pipeline %q already defined in %s", e.Name(), def.Name, filepath.Base(prev.Source)))
			continue
		}
		defs[def.Name] = def
	}

	c.mu.Lock()
	c.defs = defs
	hooks := append([]func(){}, c.onReload...)
	c.mu.Unlock()

	for _, hook := range hooks {
		hook()
	}

	err = errors.Join(errs...)
	if err != nil {
		c.logger.Warn(ctx, "some pipeline definitions were rejected", zap.Error(err))
	}
	c.logger.Info(ctx, "pipeline definitions loaded", zap.String("dir", c.dir), zap.Int("count", len(defs)))
	return err
}

// OnReload registers fn to run after every Load.
func (c *Catalog) OnReload(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReload = append(c.onReload, fn)
}

// Get returns the named definition.
func (c *Catalog) Get(name string) (*Definition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return def, nil
}

// List returns summaries of every definition sorted by name.
func (c *Catalog) List() []Summary {
	c.mu.RLock()
	out := make([]Summary, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d.Summary())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Watch reloads the catalog whenever a definition file in the directory
// changes. It blocks until ctx is canceled.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(c.dir); err != nil {
		return fmt.Errorf("watching %s: %w", c.dir, err)
	}
	c.logger.Info(ctx, "watching pipeline definitions", zap.String("dir", c.dir))

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isDefinitionFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				timer.Reset(reloadDelay)
			}
		case <-timer.C:
			_ = c.Load(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn(ctx, "definition watcher error", zap.Error(err))
		}
	}
}

func isDefinitionFile(name string) bool {
	return strings.HasSuffix(name, ".toml") && !strings.HasPrefix(filepath.Base(name), ".")
}
