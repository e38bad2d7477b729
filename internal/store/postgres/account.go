package postgres

import (
	"context"
	"errors"
	"strings"

	"agentqueue/internal/model"
	"agentqueue/internal/store"

	"github.com/jackc/pgx/v5"
)

func (s *Store) CreateAccount(ctx context.Context, a model.Account) (model.Account, error) {
	name := strings.TrimSpace(a.Name)
	if name == "" {
		return model.Account{}, errors.New("name_required")
	}

	var out model.Account
	err := s.pool.QueryRow(ctx, `
		insert into public.accounts (name, password_hash)
		values ($1, $2)
		returning id::text, name, password_hash, created_at, updated_at
	`, name, a.PasswordHash).Scan(&out.ID, &out.Name, &out.PasswordHash, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return model.Account{}, mapPgErr(err)
	}
	return out, nil
}

func (s *Store) GetAccountByName(ctx context.Context, name string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx, `
		select id::text, name, password_hash, created_at, updated_at
		from public.accounts
		where lower(name) = lower($1)
	`, name).Scan(&a.ID, &a.Name, &a.PasswordHash, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapPgErr(err)
	}
	return &a, nil
}

func (s *Store) GetAccountByID(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx, `
		select id::text, name, password_hash, created_at, updated_at
		from public.accounts
		where id = $1::uuid
	`, id).Scan(&a.ID, &a.Name, &a.PasswordHash, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapPgErr(err)
	}
	return &a, nil
}

func (s *Store) CreateAPIKey(ctx context.Context, k model.APIKey) (model.APIKey, error) {
	if strings.TrimSpace(k.TenantID) == "" {
		return model.APIKey{}, errors.New("tenant_id_required")
	}
	if strings.TrimSpace(k.KeyHash) == "" {
		return model.APIKey{}, errors.New("key_hash_required")
	}

	var out model.APIKey
	err := s.pool.QueryRow(ctx, `
		insert into public.api_keys (tenant_id, agent_name, key_hash, can_read, can_write)
		values ($1::uuid, $2, $3, $4, $5)
		returning id::text, tenant_id::text, coalesce(agent_name, ''), key_hash, can_read, can_write, revoked, last_used_at, created_at
	`, k.TenantID, k.AgentName, k.KeyHash, k.CanRead, k.CanWrite).Scan(
		&out.ID, &out.TenantID, &out.AgentName, &out.KeyHash, &out.CanRead, &out.CanWrite, &out.Revoked, &out.LastUsedAt, &out.CreatedAt,
	)
	if err != nil {
		return model.APIKey{}, mapPgErr(err)
	}
	return out, nil
}

func (s *Store) ListAPIKeys(ctx context.Context, tenantID string) ([]model.APIKey, error) {
	rows, err := s.pool.Query(ctx, `
		select id::text, tenant_id::text, coalesce(agent_name, ''), key_hash, can_read, can_write, revoked, last_used_at, created_at
		from public.api_keys
		where tenant_id = $1::uuid
		order by created_at asc
	`, tenantID)
	if err != nil {
		return nil, mapPgErr(err)
	}
	defer rows.Close()

	out := make([]model.APIKey, 0)
	for rows.Next() {
		var k model.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.AgentName, &k.KeyHash, &k.CanRead, &k.CanWrite, &k.Revoked, &k.LastUsedAt, &k.CreatedAt); err != nil {
			return nil, mapPgErr(err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) RevokeAPIKey(ctx context.Context, tenantID, id string) error {
	tag, err := s.pool.Exec(ctx, `
		update public.api_keys
		set revoked = true
		where id = $1::uuid and tenant_id = $2::uuid
	`, id, tenantID)
	if err != nil {
		return mapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error) {
	var k model.APIKey
	err := s.pool.QueryRow(ctx, `
		select id::text, tenant_id::text, coalesce(agent_name, ''), key_hash, can_read, can_write, revoked, last_used_at, created_at
		from public.api_keys
		where key_hash = $1
	`, hash).Scan(&k.ID, &k.TenantID, &k.AgentName, &k.KeyHash, &k.CanRead, &k.CanWrite, &k.Revoked, &k.LastUsedAt, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapPgErr(err)
	}
	return &k, nil
}

func (s *Store) TouchAPIKey(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		update public.api_keys
		set last_used_at = now()
		where id = $1::uuid
	`, id)
	if err != nil {
		return mapPgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
