package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/kazz187/taskpilot/pkg/cerr"
)

// reloadDebounce lets editors and atomic replaces settle before reloading.
const reloadDebounce = 200 * time.Millisecond

type identityFile struct {
	Identities []*Identity `yaml:"identities" toml:"identities"`
}

// FileProvider serves identities from a YAML file, or a TOML file when the
// path ends in .toml. The file is loaded at
// construction and again on every change while Watch runs.
type FileProvider struct {
	path     string
	snapshot atomic.Pointer[map[string]*Identity]
}

var _ Provider = (*FileProvider)(nil)

func NewFileProvider(path string) (*FileProvider, error) {
	p := &FileProvider{path: path}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *FileProvider) Get(_ context.Context, username string) (*Identity, error) {
	if id, ok := (*p.snapshot.Load())[username]; ok {
		return id, nil
	}
	return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("identity %q not found", username), nil)
}

// Reload replaces the snapshot with the file's current content. On error
// the previous snapshot stays in place. A missing file means no identities.
func (p *FileProvider) Reload() error {
	ids, err := load(p.path)
	if err != nil {
		if p.snapshot.Load() == nil {
			empty := map[string]*Identity{}
			p.snapshot.Store(&empty)
		}
		return err
	}
	p.snapshot.Store(&ids)
	return nil
}

func load(path string) (map[string]*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]*Identity{}, nil
		}
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	var f identityFile
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		err = toml.Unmarshal(data, &f)
	} else {
		err = yaml.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity file: %w", err)
	}
	ids := make(map[string]*Identity, len(f.Identities))
	for _, id := range f.Identities {
		if id == nil || id.Username == "" {
			return nil, errors.New("identity file: entry without username")
		}
		if _, dup := ids[id.Username]; dup {
			return nil, fmt.Errorf("identity file: duplicate username %q", id.Username)
		}
		ids[id.Username] = id
	}
	return ids, nil
}

// Watch reloads the file whenever it changes until ctx is done. The
// parent directory is watched so atomic replaces are seen.
func (p *FileProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	watchDir := filepath.Dir(p.path)
	fileName := filepath.Base(p.path)
	if err := os.MkdirAll(watchDir, 0o755); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}
	if err := watcher.Add(watchDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", watchDir, err)
	}
	slog.InfoContext(ctx, "watching identity file", "path", p.path)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != fileName {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(reloadDebounce, func() {
				if err := p.Reload(); err != nil {
					slog.ErrorContext(ctx, "failed to reload identity file, keeping previous identities", "path", p.path, "error", err)
					return
				}
				slog.InfoContext(ctx, "identity file reloaded", "path", p.path, "count", len(*p.snapshot.Load()))
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "fsnotify error", "error", err)

		case <-ctx.Done():
			return nil
		}
	}
}
