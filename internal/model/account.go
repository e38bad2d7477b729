package model

import "time"

// Account is the tenant. Every row in the store is scoped to one account id.
type Account struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// APIKey is a stored credential record for automated agents. Only the SHA-256
// hash of the key material is persisted; the plaintext is shown once at mint.
type APIKey struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	AgentName  string     `json:"agent_name"`
	KeyHash    string     `json:"-"`
	CanRead    bool       `json:"can_read"`
	CanWrite   bool       `json:"can_write"`
	Revoked    bool       `json:"revoked"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
