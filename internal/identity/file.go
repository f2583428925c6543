package identity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/fyrsmithlabs/cortexd/internal/logging"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const maxRegistrySize = 1 << 20

// registryFile is the on-disk YAML layout.
type registryFile struct {
	Keys []Record `yaml:"keys"`
}

// FileResolver serves identities from a YAML registry and reloads it when
// the file changes. A registry that fails to parse is logged and ignored;
// the previous registry stays active.
type FileResolver struct {
	path    string
	logger  *logging.Logger
	current atomic.Pointer[StaticResolver]
	watcher *fsnotify.Watcher
	stop    chan struct{}
	reloads atomic.Int64
}

// NewFileResolver loads path. The initial load must succeed.
func NewFileResolver(path string, logger *logging.Logger) (*FileResolver, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	r := &FileResolver{path: path, logger: logger, stop: make(chan struct{})}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadRegistry parses a YAML registry file.
func LoadRegistry(path string) ([]Record, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat registry: %w", err)
	}
	if info.Size() > maxRegistrySize {
		return nil, fmt.Errorf("registry too large: %d bytes", info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	return f.Keys, nil
}

// Reload re-reads the registry and swaps it in atomically.
func (r *FileResolver) Reload() error {
	records, err := LoadRegistry(r.path)
	if err != nil {
		return err
	}
	static, err := NewStaticResolver(records)
	if err != nil {
		return fmt.Errorf("invalid registry %s: %w", r.path, err)
	}
	r.current.Store(static)
	r.reloads.Add(1)
	return nil
}

// Resolve implements Resolver.
func (r *FileResolver) Resolve(ctx context.Context, credential string) (Identity, error) {
	return r.current.Load().Resolve(ctx, credential)
}

// Reloads returns how many times the registry was loaded successfully.
func (r *FileResolver) Reloads() int64 { return r.reloads.Load() }

// Watch starts reloading on file changes until ctx is done or Close is
// called. The parent directory is watched so atomic renames by editors and
// config managers are seen.
func (r *FileResolver) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(r.path)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(r.path), err)
	}
	r.watcher = w
	go r.loop(ctx)
	return nil
}

func (r *FileResolver) loop(ctx context.Context) {
	target := filepath.Clean(r.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.Warn(ctx, "identity registry reload failed, keeping previous",
					zap.String("path", r.path), zap.Error(err))
				continue
			}
			r.logger.Info(ctx, "identity registry reloaded",
				zap.String("path", r.path), zap.Int("keys", r.current.Load().Len()))
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn(ctx, "identity registry watcher error", zap.Error(err))
		}
	}
}

// Close stops watching.
func (r *FileResolver) Close() error {
	select {
	case <-r.stop:
		return nil
	default:
		close(r.stop)
	}
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}
