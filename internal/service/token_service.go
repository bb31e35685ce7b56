package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"authcore/internal/entity"
	"authcore/internal/repository"
	"authcore/internal/utils"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// TokenPair is the outcome of a login or a successful rotation.
type TokenPair struct {
	AccessToken      string
	AccessExpiresIn  time.Duration
	RefreshToken     string
	RefreshExpiresAt time.Time
	DeviceID         string
}

// TokenService owns the refresh-token rotation protocol: it issues paired
// credentials, rotates the long-lived one on every use, and reacts to
// replay of a stale credential by revoking every active session the user
// has. Password verification happens upstream; this service only trusts
// an already-authenticated identity.
type TokenService struct {
	sessions     repository.SessionRepository
	users        repository.UserRepository
	securityLogs repository.SecurityLogRepository
	alerts       AlertSender
	signer       *utils.TokenSigner
	clock        Clock
}

func NewTokenService(
	sessions repository.SessionRepository,
	users repository.UserRepository,
	securityLogs repository.SecurityLogRepository,
	alerts AlertSender,
	signer *utils.TokenSigner,
	clock Clock,
) *TokenService {
	return &TokenService{
		sessions:     sessions,
		users:        users,
		securityLogs: securityLogs,
		alerts:       alerts,
		signer:       signer,
		clock:        clock,
	}
}

// StartSession begins a new rotation family for an authenticated user.
// Any active session on the same device is evicted first, so one device
// holds at most one live chain. The family identifier is never reused;
// every login starts a fresh lineage.
func (s *TokenService) StartSession(ctx context.Context, userID uuid.UUID, role entity.UserRole, deviceID string) (*TokenPair, error) {
	if deviceID == "" {
		deviceID = uuid.New().String()
	}
	now := s.now()

	evicted, err := s.sessions.RevokeActiveForDevice(ctx, userID, deviceID, entity.ReasonDeviceRelogin, now)
	if err != nil {
		return nil, err
	}
	if evicted > 0 {
		s.logEvent(ctx, userID, entity.DeviceEvicted, map[string]any{"device_id": deviceID, "evicted": evicted})
	}

	familyID := uuid.New()
	tokenID := uuid.New()

	pair, credentialHash, err := s.mintPair(userID, role, deviceID, familyID, tokenID, now)
	if err != nil {
		return nil, err
	}

	head := &entity.Session{
		UserID:         userID,
		DeviceID:       deviceID,
		FamilyID:       familyID,
		TokenID:        tokenID,
		CredentialHash: credentialHash,
		State:          entity.SessionActive,
		ExpiresAt:      pair.RefreshExpiresAt,
	}
	if err := s.sessions.Create(ctx, head); err != nil {
		return nil, err
	}

	return pair, nil
}

// Rotate validates a presented refresh token and, when it is the live tip
// of its chain, consumes it and issues its successor. Any presentation of
// a token that is unknown, already consumed, or already revoked is
// treated as a leak and revokes all of the user's active sessions.
func (s *TokenService) Rotate(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.signer.ParseRefreshToken(refreshToken)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	familyID, err := uuid.Parse(claims.FamilyID)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	tokenID, err := uuid.Parse(claims.ID)
	if err != nil {
		return nil, ErrInvalidCredential
	}

	hash := utils.HashToken(refreshToken)
	link, err := s.sessions.FindByCredentialHash(ctx, hash, userID, familyID, tokenID)
	if err != nil {
		return nil, err
	}

	now := s.now()

	if link == nil {
		// Signature checks out but the ledger never issued this exact
		// credential for this identity and family: forged or leaked.
		if err := s.rejectAndRevokeAll(ctx, userID, entity.ReasonUnknownCredential, claims.DeviceID, now); err != nil {
			return nil, err
		}
		return nil, ErrCredentialRejected
	}

	if link.State != entity.SessionActive {
		// Strictly single-use: a second presentation means the secret may
		// have leaked, so the whole account's sessions go down.
		if err := s.rejectAndRevokeAll(ctx, link.UserID, entity.ReasonReuseDetected, link.DeviceID, now); err != nil {
			return nil, err
		}
		return nil, ErrCredentialRejected
	}

	if now.After(link.ExpiresAt) {
		if err := s.sessions.RevokeByTokenID(ctx, link.TokenID, entity.ReasonExpired, now); err != nil {
			return nil, err
		}
		return nil, ErrCredentialExpired
	}

	role := entity.UserRoleUser
	if user, err := s.users.FindByID(ctx, link.UserID); err == nil && user != nil {
		role = user.Role
	}

	successorID := uuid.New()
	pair, successorHash, err := s.mintPair(link.UserID, role, link.DeviceID, link.FamilyID, successorID, now)
	if err != nil {
		return nil, err
	}

	if err := s.sessions.TransitionToConsumed(ctx, link.TokenID, successorHash, now); err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			// Lost the consume race. Indistinguishable from genuine reuse
			// and handled the same way; the freshly minted pair is dropped.
			if err := s.rejectAndRevokeAll(ctx, link.UserID, entity.ReasonReuseDetected, link.DeviceID, now); err != nil {
				return nil, err
			}
			return nil, ErrCredentialRejected
		}
		return nil, err
	}

	parentHash := link.CredentialHash
	successor := &entity.Session{
		UserID:         link.UserID,
		DeviceID:       link.DeviceID,
		FamilyID:       link.FamilyID,
		TokenID:        successorID,
		CredentialHash: successorHash,
		ParentHash:     &parentHash,
		State:          entity.SessionActive,
		ExpiresAt:      pair.RefreshExpiresAt,
	}
	if err := s.sessions.Create(ctx, successor); err != nil {
		return nil, err
	}

	s.logEvent(ctx, link.UserID, entity.TokenRotated, map[string]any{"device_id": link.DeviceID, "family_id": link.FamilyID})
	return pair, nil
}

// VerifyAccessToken checks a short-lived token's signature and expiry.
// Access tokens are never revocable mid-lifetime; the short TTL bounds
// the exposure window.
func (s *TokenService) VerifyAccessToken(token string) (*utils.AccessClaims, error) {
	claims, err := s.signer.ParseAccessToken(token)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	return claims, nil
}

// EndSession revokes the single link named by the presented refresh
// token. Used by logout; a malformed token is rejected without touching
// the ledger.
func (s *TokenService) EndSession(ctx context.Context, refreshToken string) error {
	claims, err := s.signer.ParseRefreshToken(refreshToken)
	if err != nil {
		return ErrInvalidCredential
	}
	tokenID, err := uuid.Parse(claims.ID)
	if err != nil {
		return ErrInvalidCredential
	}
	return s.sessions.RevokeByTokenID(ctx, tokenID, entity.ReasonLogout, s.now())
}

// RevokeAllSessions drops every active link the user has. Idempotent.
func (s *TokenService) RevokeAllSessions(ctx context.Context, userID uuid.UUID, reason string) error {
	return s.sessions.RevokeAllActiveForUser(ctx, userID, reason, s.now())
}

func (s *TokenService) mintPair(userID uuid.UUID, role entity.UserRole, deviceID string, familyID, tokenID uuid.UUID, now time.Time) (*TokenPair, string, error) {
	accessToken, accessTTL, err := s.signer.IssueAccessToken(userID.String(), string(role), now)
	if err != nil {
		return nil, "", err
	}
	refreshToken, refreshExpiry, err := s.signer.IssueRefreshToken(userID.String(), deviceID, familyID, tokenID, now)
	if err != nil {
		return nil, "", err
	}
	return &TokenPair{
		AccessToken:      accessToken,
		AccessExpiresIn:  accessTTL,
		RefreshToken:     refreshToken,
		RefreshExpiresAt: refreshExpiry,
		DeviceID:         deviceID,
	}, utils.HashToken(refreshToken), nil
}

func (s *TokenService) rejectAndRevokeAll(ctx context.Context, userID uuid.UUID, reason string, deviceID string, at time.Time) error {
	if err := s.sessions.RevokeAllActiveForUser(ctx, userID, reason, at); err != nil {
		return err
	}
	s.logEvent(ctx, userID, entity.ReuseDetected, map[string]any{"reason": reason, "device_id": deviceID})
	s.sendRevokedAlert(ctx, userID, reason)
	return nil
}

func (s *TokenService) logEvent(ctx context.Context, userID uuid.UUID, action entity.SecurityAction, metadata map[string]any) {
	if s.securityLogs == nil {
		return
	}
	payload, err := json.Marshal(metadata)
	if err != nil {
		return
	}
	_ = s.securityLogs.Log(ctx, &entity.SecurityLog{
		UserID:   &userID,
		Action:   action,
		Metadata: datatypes.JSON(payload),
	})
}

func (s *TokenService) sendRevokedAlert(ctx context.Context, userID uuid.UUID, reason string) {
	if s.alerts == nil || s.users == nil {
		return
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil || user == nil {
		return
	}
	_ = s.alerts.SendSessionsRevokedAlert(ctx, user.Email, reason)
}

func (s *TokenService) now() time.Time {
	if s.clock == nil {
		return time.Now()
	}
	return s.clock.Now()
}
