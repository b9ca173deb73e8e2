package app

import (
	"context"
	"sync"

	"github.com/vk/servicesd/internal/config"
	"github.com/vk/servicesd/internal/store"
)

// swapStore is the persistence handle given to long-lived collaborators.
// Restart replaces the database behind it without rewiring them.
type swapStore struct {
	mu    sync.RWMutex
	inner store.Store
	cfg   config.Storage
}

var _ store.Store = (*swapStore)(nil)

func (s *swapStore) current() (store.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.inner == nil {
		return nil, store.ErrClosed
	}
	return s.inner, nil
}

// swap installs next and returns the previous handle.
func (s *swapStore) swap(next store.Store, cfg config.Storage) store.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.inner
	s.inner, s.cfg = next, cfg
	return prev
}

func (s *swapStore) config() config.Storage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *swapStore) ModuleExists(ctx context.Context, name string) (bool, error) {
	st, err := s.current()
	if err != nil {
		return false, err
	}
	return st.ModuleExists(ctx, name)
}

func (s *swapStore) RegisterModule(ctx context.Context, name, user string, isDefault bool) (bool, error) {
	st, err := s.current()
	if err != nil {
		return false, err
	}
	return st.RegisterModule(ctx, name, user, isDefault)
}

func (s *swapStore) DeleteModule(ctx context.Context, name string) (bool, error) {
	st, err := s.current()
	if err != nil {
		return false, err
	}
	return st.DeleteModule(ctx, name)
}

func (s *swapStore) ListRegisteredModules(ctx context.Context) ([]store.ModuleEntry, error) {
	st, err := s.current()
	if err != nil {
		return nil, err
	}
	return st.ListRegisteredModules(ctx)
}

func (s *swapStore) TouchModule(ctx context.Context, name, user string) error {
	st, err := s.current()
	if err != nil {
		return err
	}
	return st.TouchModule(ctx, name, user)
}

func (s *swapStore) LoadRuntime(ctx context.Context) (config.Runtime, bool, error) {
	st, err := s.current()
	if err != nil {
		return config.Runtime{}, false, err
	}
	return st.LoadRuntime(ctx)
}

func (s *swapStore) SaveRuntime(ctx context.Context, rt config.Runtime) error {
	st, err := s.current()
	if err != nil {
		return err
	}
	return st.SaveRuntime(ctx, rt)
}

func (s *swapStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inner == nil {
		return nil
	}
	err := s.inner.Close()
	s.inner = nil
	return err
}
