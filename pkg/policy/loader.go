package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/cloudsteward/steward/pkg/engine"
	"github.com/cloudsteward/steward/pkg/telemetry"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// Loader reads policy documents from YAML or JSON files.
type Loader struct {
	logger *telemetry.Logger
	schema *SchemaValidator

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewLoader creates a policy loader.
func NewLoader(logger *telemetry.Logger) (*Loader, error) {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	schema, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Loader{
		logger: logger.NewComponentLogger("policy-loader"),
		schema: schema,
	}, nil
}

// LoadFromPaths loads policies from files and directories. Directories are
// walked recursively for .yml, .yaml and .json files. Policy names must be
// unique across all paths.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	seen := make(map[string]string)

	for _, path := range paths {
		policies, err := l.loadFromPath(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		for _, p := range policies {
			if prev, dup := seen[p.Name]; dup {
				return nil, engine.NewSchemaError(
					fmt.Sprintf("duplicate policy name %q", p.Name),
					fmt.Errorf("defined in %s and %s", prev, p.Source),
				)
			}
			seen[p.Name] = p.Source
			all = append(all, p)
		}
	}

	l.logger.WithField("total", len(all)).
		WithField("sources", len(paths)).
		Info("Policies loaded from paths")

	return all, nil
}

func (l *Loader) loadFromPath(ctx context.Context, path string) ([]Policy, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if info.IsDir() {
		return l.loadFromDirectory(ctx, path)
	}
	return l.LoadFile(path)
}

// loadFromDirectory walks dirPath in lexical order, skipping hidden
// directories. One broken document fails the whole load.
func (l *Loader) loadFromDirectory(ctx context.Context, dirPath string) ([]Policy, error) {
	var policies []Policy

	err := filepath.WalkDir(dirPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != dirPath && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !isPolicyFile(path) {
			return nil
		}

		loaded, err := l.LoadFile(path)
		if err != nil {
			return err
		}
		policies = append(policies, loaded...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}

	return policies, nil
}

func isPolicyFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml", ".json":
		return true
	}
	return false
}

// LoadFile reads one policy document.
func (l *Loader) LoadFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	policies, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for i := range policies {
		policies[i].Source = path
	}

	l.logger.WithField("path", path).
		WithField("policies", len(policies)).
		Debug("Policy file loaded")

	return policies, nil
}

// Parse decodes a policy document. Both the {policies: [...]} form and a
// single bare policy are accepted; JSON is parsed as YAML.
func (l *Loader) Parse(data []byte) ([]Policy, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, engine.NewSchemaError("policy document is empty", nil)
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, engine.NewSchemaError("policy document is not valid YAML or JSON", err)
	}

	var raw map[string]interface{}
	if err := node.Decode(&raw); err != nil {
		return nil, engine.NewSchemaError("policy document must be a mapping", err)
	}

	var file File
	if _, wrapped := raw["policies"]; wrapped {
		if err := l.schema.CheckFile(raw); err != nil {
			return nil, err
		}
		if err := node.Decode(&file); err != nil {
			return nil, engine.NewSchemaError("failed to decode policies", err)
		}
	} else {
		if err := l.schema.CheckPolicy(raw); err != nil {
			return nil, err
		}
		var p Policy
		if err := node.Decode(&p); err != nil {
			return nil, engine.NewSchemaError("failed to decode policy", err)
		}
		file.Policies = []Policy{p}
	}

	for i := range file.Policies {
		if err := Validate(&file.Policies[i]); err != nil {
			return nil, err
		}
	}
	return file.Policies, nil
}

// ParseJSON decodes a single policy from JSON without going through YAML.
func (l *Loader) ParseJSON(data []byte) (*Policy, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, engine.NewSchemaError("policy document is not valid JSON", err)
	}
	if err := l.schema.CheckPolicy(raw); err != nil {
		return nil, err
	}
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, engine.NewSchemaError("failed to decode policy", err)
	}
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Watch reloads policies from paths whenever a policy file changes and
// passes the result to reloadFn. Reload failures are logged and the
// previous policies stay in effect. Watch returns once the watcher is set
// up; it stops when ctx is canceled.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			l.logger.WithError(err).WithField("path", path).Warn("Failed to stat path for watching")
			continue
		}
		if info.IsDir() {
			err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
				if err != nil {
					return err
				}
				if d.IsDir() {
					return watcher.Add(p)
				}
				return nil
			})
		} else {
			// Editors replace files on save, so watch the parent directory.
			err = watcher.Add(filepath.Dir(path))
		}
		if err != nil {
			l.logger.WithError(err).WithField("path", path).Warn("Failed to watch path")
		}
	}

	go l.processEvents(ctx, watcher, paths, reloadFn)

	l.logger.WithField("paths", len(paths)).Info("Started watching policy paths")
	return nil
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reloadFn func([]Policy) error) {
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
		_ = watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !isPolicyFile(event.Name) {
				continue
			}

			l.logger.WithField("file", event.Name).
				WithField("op", event.Op.String()).
				Debug("Policy file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := l.reload(ctx, paths, reloadFn); err != nil {
					l.logger.WithError(err).Error("Failed to reload policies")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.WithError(err).Error("Watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, reloadFn func([]Policy) error) error {
	if ctx.Err() != nil {
		return nil
	}
	l.logger.Info("Reloading policies")

	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}
	if err := reloadFn(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}

	l.logger.WithField("count", len(policies)).Info("Policies reloaded")
	return nil
}

// StopWatching stops the active watcher, if any.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}
