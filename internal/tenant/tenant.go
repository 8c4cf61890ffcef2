package tenant

import "time"

// Tenant is an isolated customer of the platform. Its ID never changes.
type Tenant struct {
	ID        string    `json:"tenant_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Item is the unit of stored data. (TenantID, ID) is globally unique.
type Item struct {
	TenantID  string    `json:"tenant_id"`
	ID        string    `json:"item_id"`
	Payload   []byte    `json:"payload"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IdentityClaims is a verified identity assertion handed over by the
// identity provider. It is produced per request and never persisted.
type IdentityClaims struct {
	Subject  string    `json:"sub"`
	TenantID string    `json:"tenant_id"`
	IssuedAt time.Time `json:"iat"`
	Expiry   time.Time `json:"exp"`
}
