package repository

import (
	"context"
	"errors"
	"time"

	"authcore/internal/entity"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrStaleTransition means a conditional state change found the link no
// longer active. Callers must treat it as credential reuse, not as a
// benign race: a legitimate client never rotates the same token twice.
var ErrStaleTransition = errors.New("session link is no longer active")

type SessionRepository interface {
	Create(ctx context.Context, session *entity.Session) error
	FindByCredentialHash(ctx context.Context, hash string, userID uuid.UUID, familyID uuid.UUID, tokenID uuid.UUID) (*entity.Session, error)
	TransitionToConsumed(ctx context.Context, tokenID uuid.UUID, successorHash string, at time.Time) error
	RevokeByTokenID(ctx context.Context, tokenID uuid.UUID, reason string, at time.Time) error
	RevokeAllActiveForUser(ctx context.Context, userID uuid.UUID, reason string, at time.Time) error
	RevokeActiveForDevice(ctx context.Context, userID uuid.UUID, deviceID string, reason string, at time.Time) (int64, error)
	CleanupExpired(ctx context.Context, before time.Time) error
}

type sessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) SessionRepository {
	return &sessionRepository{db: db}
}

func (r *sessionRepository) Create(ctx context.Context, s *entity.Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *sessionRepository) FindByCredentialHash(ctx context.Context, hash string, userID uuid.UUID, familyID uuid.UUID, tokenID uuid.UUID) (*entity.Session, error) {
	var session entity.Session
	err := r.db.WithContext(ctx).
		Where("credential_hash = ? AND user_id = ? AND family_id = ? AND token_id = ?",
			hash, userID, familyID, tokenID).
		First(&session).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// TransitionToConsumed is the serialization point of the rotation
// protocol: of two concurrent attempts on the same link, exactly one
// matches the active-state predicate.
func (r *sessionRepository) TransitionToConsumed(ctx context.Context, tokenID uuid.UUID, successorHash string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&entity.Session{}).
		Where("token_id = ? AND state = ?", tokenID, entity.SessionActive).
		Updates(map[string]any{
			"state":          entity.SessionConsumed,
			"consumed_at":    &at,
			"successor_hash": &successorHash,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

func (r *sessionRepository) RevokeByTokenID(ctx context.Context, tokenID uuid.UUID, reason string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&entity.Session{}).
		Where("token_id = ? AND state = ?", tokenID, entity.SessionActive).
		Updates(map[string]any{
			"state":          entity.SessionRevoked,
			"revoked_at":     &at,
			"revoked_reason": &reason,
		}).Error
}

func (r *sessionRepository) RevokeAllActiveForUser(ctx context.Context, userID uuid.UUID, reason string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&entity.Session{}).
		Where("user_id = ? AND state = ?", userID, entity.SessionActive).
		Updates(map[string]any{
			"state":          entity.SessionRevoked,
			"revoked_at":     &at,
			"revoked_reason": &reason,
		}).Error
}

// RevokeActiveForDevice reports how many links it revoked so the
// caller can tell a relogin eviction from a first login.
func (r *sessionRepository) RevokeActiveForDevice(ctx context.Context, userID uuid.UUID, deviceID string, reason string, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&entity.Session{}).
		Where("user_id = ? AND device_id = ? AND state = ?", userID, deviceID, entity.SessionActive).
		Updates(map[string]any{
			"state":          entity.SessionRevoked,
			"revoked_at":     &at,
			"revoked_reason": &reason,
		})
	return result.RowsAffected, result.Error
}

func (r *sessionRepository) CleanupExpired(ctx context.Context, before time.Time) error {
	return r.db.WithContext(ctx).
		Where("expires_at < ?", before).
		Delete(&entity.Session{}).
		Error
}
