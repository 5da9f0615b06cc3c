package sqlite

import (
	"errors"
	"sync"

	"github.com/relves/colog/internal/storage"
)

// StoreManager opens Stores by name and caches them.
type StoreManager struct {
	basePath string
	stores   map[string]*Store
	mu       sync.RWMutex
}

// NewStoreManager creates a new StoreManager.
func NewStoreManager(basePath string) *StoreManager {
	return &StoreManager{
		basePath: basePath,
		stores:   make(map[string]*Store),
	}
}

// GetStore returns the Store called name, opening it on first use.
func (m *StoreManager) GetStore(name string) (*Store, error) {
	m.mu.RLock()
	if store, ok := m.stores[name]; ok {
		m.mu.RUnlock()
		return store, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if store, ok := m.stores[name]; ok {
		return store, nil
	}

	store, err := OpenStore(m.basePath, name)
	if err != nil {
		return nil, err
	}
	m.stores[name] = store
	return store, nil
}

// GetBackend is GetStore behind the storage.Backend interface.
func (m *StoreManager) GetBackend(name string) (storage.Backend, error) {
	return m.GetStore(name)
}

// CloseAll closes all cached stores.
func (m *StoreManager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, store := range m.stores {
		if err := store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.stores = make(map[string]*Store)
	return errors.Join(errs...)
}

// BasePath returns the directory stores are created under.
func (m *StoreManager) BasePath() string {
	return m.basePath
}
