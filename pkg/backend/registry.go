package backend

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/orneryd/provgraph/pkg/config"
	"github.com/orneryd/provgraph/pkg/storage"
	"github.com/sirupsen/logrus"
)

var (
	registryMu sync.RWMutex
	engines    = make(map[string]EngineBuilder, 4)

	ErrNameInvalid = errors.New("registration name is invalid")
)

// EngineBuilder constructs a storage engine from the storage settings.
type EngineBuilder func(cfg config.StorageConfig) (storage.Engine, error)

func init() {
	Register("memory", func(config.StorageConfig) (storage.Engine, error) {
		return storage.NewMemoryEngine(), nil
	})
	Register("badger", func(cfg config.StorageConfig) (storage.Engine, error) {
		return storage.NewBadgerEngineWithOptions(storage.BadgerOptions{
			DataDir:        cfg.DataDir,
			InMemory:       cfg.InMemory,
			SyncWrites:     cfg.SyncWrites,
			BlockCacheSize: cfg.BlockCacheBytes(),
			Logger:         logrus.WithField("component", "badger"),
		})
	})
}

// Register makes an engine available by name. It panics on an empty name,
// a nil builder or a duplicate registration.
func Register(name string, builder EngineBuilder) {
	if name == "" || builder == nil {
		panic("registration name and builder cannot be empty")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := engines[name]; ok {
		panic(fmt.Sprintf("duplicate registration of engine %s", name))
	}
	engines[name] = builder
}

// Build creates the engine registered under name.
func Build(name string, cfg config.StorageConfig) (storage.Engine, error) {
	if name == "" {
		return nil, ErrNameInvalid
	}
	registryMu.RLock()
	builder := engines[name]
	registryMu.RUnlock()
	if builder == nil {
		return nil, fmt.Errorf("engine %q is not registered", name)
	}
	return builder(cfg)
}

// Exists reports whether an engine is registered under name.
func Exists(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return engines[name] != nil
}

// Names returns the registered engine names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open builds the configured engine and wraps it in a Store.
func Open(cfg config.StorageConfig) (*Store, error) {
	engine, err := Build(cfg.Engine, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Engine, err)
	}
	logrus.WithFields(logrus.Fields{
		"component": "backend",
		"engine":    cfg.Engine,
	}).Info("storage opened")
	return NewStore(engine), nil
}
