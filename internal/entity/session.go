package entity

import (
	"time"

	"github.com/google/uuid"
)

type SessionState string

const (
	SessionActive   SessionState = "active"
	SessionConsumed SessionState = "consumed"
	SessionRevoked  SessionState = "revoked"
)

// Revocation reasons recorded on the session row.
const (
	ReasonDeviceRelogin     = "device-relogin"
	ReasonReuseDetected     = "reuse-detected"
	ReasonUnknownCredential = "unknown-credential"
	ReasonExpired           = "expired"
	ReasonLogout            = "logout"
	ReasonLogoutAll         = "logout-all"
	ReasonAdminRevoked      = "admin-revoked"
)

// Session is one link in a refresh-token rotation chain. Every refresh
// token ever minted gets its own row; rotation consumes the old link and
// inserts its successor under the same family.
type Session struct {
	ID     uuid.UUID `gorm:"type:uuid;default:gen_random_uuid();primaryKey"`
	UserID uuid.UUID `gorm:"type:uuid;not null;index;index:idx_sessions_user_device"`
	User   User      `gorm:"constraint:OnDelete:CASCADE"`

	DeviceID string    `gorm:"type:varchar(255);not null;index:idx_sessions_user_device"`
	FamilyID uuid.UUID `gorm:"type:uuid;not null;index"`
	TokenID  uuid.UUID `gorm:"type:uuid;not null;uniqueIndex"`

	// CredentialHash is the SHA-256 of the raw refresh token. The raw value
	// is never persisted, and the hash is unique for the lifetime of the system.
	CredentialHash string `gorm:"type:text;not null;uniqueIndex"`

	// ParentHash and SuccessorHash link the chain; both stay nil until a
	// rotation touches this row.
	ParentHash    *string `gorm:"type:text"`
	SuccessorHash *string `gorm:"type:text"`

	State         SessionState `gorm:"type:varchar(16);not null;default:'active';index"`
	ConsumedAt    *time.Time
	RevokedAt     *time.Time
	RevokedReason *string `gorm:"type:varchar(64)"`

	ExpiresAt time.Time
	CreatedAt time.Time
}
