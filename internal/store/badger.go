package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vk/servicesd/internal/config"
)

const (
	modulePrefix = "module/"
	runtimeKey   = "runtime"
)

// Config holds configuration for the Badger store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path     string
	InMemory bool
	// SyncWrites makes every commit durable before returning.
	SyncWrites bool
	// Logger receives badger's own log lines. Nil disables them.
	Logger *slog.Logger
	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval     time.Duration
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// ConfigFrom maps the storage section of the daemon configuration.
func ConfigFrom(s config.Storage, logger *slog.Logger) Config {
	cfg := DefaultConfig(s.Path)
	if s.InMemory {
		cfg = InMemoryConfig()
	}
	cfg.Logger = logger
	return cfg
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Badger is the Store backed by an embedded BadgerDB.
type Badger struct {
	db     *badger.DB
	logger *slog.Logger

	closeOnce sync.Once
	stopGC    chan struct{}
	gcDone    chan struct{}
}

// Open opens (or creates) the database.
func Open(cfg Config) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("store: path is required for a persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	logger := cfg.Logger
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
		logger = slog.Default()
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	s := &Badger{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}
	return s, nil
}

func (s *Badger) runGC(interval time.Duration, ratio float64) {
	defer close(s.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			if err := s.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("Badger value log GC failed.", "error", err)
			}
		}
	}
}

// Close stops GC and closes the database. Safe to call more than once.
func (s *Badger) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.stopGC != nil {
			close(s.stopGC)
			<-s.gcDone
		}
		err = s.db.Close()
	})
	return err
}

func moduleKey(name string) []byte {
	return []byte(modulePrefix + strings.ToLower(name))
}

func (s *Badger) check(ctx context.Context) error {
	if s.db.IsClosed() {
		return ErrClosed
	}
	return ctx.Err()
}

// ModuleExists implements Modules.
func (s *Badger) ModuleExists(ctx context.Context, name string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(moduleKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// RegisterModule implements Modules.
func (s *Badger) RegisterModule(ctx context.Context, name, user string, isDefault bool) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	created := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(moduleKey(name))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		raw, err := json.Marshal(ModuleEntry{Name: name, User: user, IsDefault: isDefault, LoadedAt: time.Now().UTC()})
		if err != nil {
			return err
		}
		created = true
		return txn.Set(moduleKey(name), raw)
	})
	if err != nil {
		return false, fmt.Errorf("register module %s: %w", name, err)
	}
	return created, nil
}

// DeleteModule implements Modules.
func (s *Badger) DeleteModule(ctx context.Context, name string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	deleted := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(moduleKey(name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		deleted = true
		return txn.Delete(moduleKey(name))
	})
	if err != nil {
		return false, fmt.Errorf("delete module %s: %w", name, err)
	}
	return deleted, nil
}

// TouchModule implements Modules. Touching an unregistered module
// registers it.
func (s *Badger) TouchModule(ctx context.Context, name, user string) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := ModuleEntry{Name: name, User: user, LoadedAt: time.Now().UTC()}
		item, err := txn.Get(moduleKey(name))
		switch {
		case err == nil:
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &entry) }); err != nil {
				return err
			}
			entry.ReloadedAt = time.Now().UTC()
			entry.Reloads++
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return txn.Set(moduleKey(name), raw)
	})
}

// ListRegisteredModules implements Modules.
func (s *Badger) ListRegisteredModules(ctx context.Context) ([]ModuleEntry, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	var out []ModuleEntry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(modulePrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e ModuleEntry
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LoadedAt.Before(out[j].LoadedAt) })
	return out, nil
}

// LoadRuntime implements config.RuntimeStore.
func (s *Badger) LoadRuntime(ctx context.Context) (config.Runtime, bool, error) {
	var rt config.Runtime
	if err := s.check(ctx); err != nil {
		return rt, false, err
	}
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(runtimeKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &rt) })
	})
	return rt, found, err
}

// SaveRuntime implements config.RuntimeStore.
func (s *Badger) SaveRuntime(ctx context.Context, rt config.Runtime) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	raw, err := json.Marshal(rt)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(runtimeKey), raw)
	})
}
