package memory

import (
	"context"
	"strings"
	"time"

	"agentqueue/internal/model"
	"agentqueue/internal/store"
)

func (s *Store) CreateAccount(_ context.Context, a model.Account) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := strings.TrimSpace(a.Name)
	if name == "" {
		return model.Account{}, errWithCode("name_required")
	}
	for _, existing := range s.accounts {
		if strings.EqualFold(existing.Name, name) {
			return model.Account{}, store.ErrConflict
		}
	}

	now := time.Now().UTC()
	a.ID = newID()
	a.Name = name
	a.CreatedAt = now
	a.UpdatedAt = now
	s.accounts[a.ID] = a
	return a, nil
}

func (s *Store) GetAccountByName(_ context.Context, name string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.accounts {
		if strings.EqualFold(a.Name, name) {
			out := a
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetAccountByID(_ context.Context, id string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (s *Store) CreateAPIKey(_ context.Context, k model.APIKey) (model.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(k.TenantID) == "" {
		return model.APIKey{}, errWithCode("tenant_id_required")
	}
	if strings.TrimSpace(k.KeyHash) == "" {
		return model.APIKey{}, errWithCode("key_hash_required")
	}

	k.ID = newID()
	k.CreatedAt = time.Now().UTC()
	s.apiKeys[k.ID] = k
	return k, nil
}

func (s *Store) ListAPIKeys(_ context.Context, tenantID string) ([]model.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.APIKey, 0)
	for _, k := range s.apiKeys {
		if k.TenantID == tenantID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *Store) RevokeAPIKey(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.apiKeys[id]
	if !ok || k.TenantID != tenantID {
		return store.ErrNotFound
	}
	k.Revoked = true
	s.apiKeys[id] = k
	return nil
}

func (s *Store) GetAPIKeyByHash(_ context.Context, hash string) (*model.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range s.apiKeys {
		if k.KeyHash == hash {
			out := k
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) TouchAPIKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.apiKeys[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	k.LastUsedAt = &now
	s.apiKeys[id] = k
	return nil
}
