package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"authcore/internal/entity"
	"authcore/internal/repository"
	"authcore/internal/utils"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const dummyPasswordHash = "$2a$10$CwTycUXWue0Thq9StjUM0uJ8yQbWc1x9uxw2sQ2sXUNx5x9xJ9F2S"

// AuthService is the request-facing identity layer. It verifies
// credentials and hands the authenticated identity to TokenService,
// which owns session lifecycle and rotation.
type AuthService struct {
	users        repository.UserRepository
	mfaSecrets   repository.MFASecretRepository
	securityLogs repository.SecurityLogRepository

	tokens       *TokenService
	passwordHash PasswordHasher
	mfaTokens    *MFATokenIssuer
	mfaProvider  MFAProvider
}

func NewAuthService(
	users repository.UserRepository,
	mfaSecrets repository.MFASecretRepository,
	securityLogs repository.SecurityLogRepository,
	tokens *TokenService,
	passwordHash PasswordHasher,
	mfaTokens *MFATokenIssuer,
	mfaProvider MFAProvider,
) *AuthService {
	return &AuthService{
		users:        users,
		mfaSecrets:   mfaSecrets,
		securityLogs: securityLogs,
		tokens:       tokens,
		passwordHash: passwordHash,
		mfaTokens:    mfaTokens,
		mfaProvider:  mfaProvider,
	}
}

func (s *AuthService) Register(ctx context.Context, input RegisterInput) error {
	if strings.TrimSpace(input.Email) == "" || strings.TrimSpace(input.Password) == "" {
		return ErrInvalidInput
	}

	email := utils.NormalizeEmail(input.Email)
	existing, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrEmailAlreadyInUse
	}

	hash, err := s.passwordHash.Hash(input.Password)
	if err != nil {
		return err
	}

	user := &entity.User{
		Email:        email,
		PasswordHash: &hash,
		Role:         entity.UserRoleUser,
		IsActive:     true,
	}
	return s.users.Create(ctx, user)
}

func (s *AuthService) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	if strings.TrimSpace(input.Email) == "" || strings.TrimSpace(input.Password) == "" {
		return nil, ErrInvalidInput
	}

	email := utils.NormalizeEmail(input.Email)
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil || user.PasswordHash == nil {
		// Constant-ish time: burn a bcrypt compare even for unknown emails.
		_ = s.passwordHash.Verify(dummyPasswordHash, input.Password)
		_ = s.logSecurity(ctx, nil, input.IPAddress, entity.LoginFailed, map[string]any{"email": email})
		return nil, ErrInvalidCredentials
	}

	if !s.passwordHash.Verify(*user.PasswordHash, input.Password) {
		_ = s.logSecurity(ctx, &user.ID, input.IPAddress, entity.LoginFailed, map[string]any{"email": email})
		return nil, ErrInvalidCredentials
	}

	if s.mfaProvider != nil && s.mfaSecrets != nil && s.mfaTokens != nil {
		secret, err := s.mfaSecrets.FindByUserID(ctx, user.ID)
		if err != nil {
			return nil, err
		}
		if secret != nil && secret.EnabledAt != nil {
			mfaToken, expiresIn, err := s.mfaTokens.Issue(user.ID)
			if err != nil {
				return nil, err
			}
			return &LoginResult{
				MFARequired:       true,
				MFAToken:          mfaToken,
				MFATokenExpiresIn: int64(expiresIn.Seconds()),
			}, nil
		}
	}

	result, err := s.startSession(ctx, user, input.DeviceID)
	if err != nil {
		return nil, err
	}

	metadata := map[string]any{"device_id": result.DeviceID}
	if input.UserAgent != nil {
		metadata["user_agent"] = *input.UserAgent
	}
	_ = s.logSecurity(ctx, &user.ID, input.IPAddress, entity.LoginSuccess, metadata)
	return result, nil
}

func (s *AuthService) LoginWithMFA(ctx context.Context, input LoginMFAInput) (*LoginResult, error) {
	if s.mfaProvider == nil || s.mfaTokens == nil || s.mfaSecrets == nil {
		return nil, ErrMFANotConfigured
	}
	if strings.TrimSpace(input.MFAToken) == "" || strings.TrimSpace(input.Code) == "" {
		return nil, ErrInvalidInput
	}

	userID, err := s.mfaTokens.Parse(input.MFAToken)
	if err != nil {
		return nil, ErrInvalidCredential
	}

	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	secret, err := s.mfaSecrets.FindByUserID(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.EnabledAt == nil {
		return nil, ErrMFARequired
	}
	if !s.mfaProvider.ValidateCode(secret.Secret, input.Code) {
		_ = s.logSecurity(ctx, &user.ID, input.IPAddress, entity.MFAFailed, map[string]any{"device_id": input.DeviceID})
		return nil, ErrInvalidMFACode
	}

	result, err := s.startSession(ctx, user, input.DeviceID)
	if err != nil {
		return nil, err
	}
	_ = s.logSecurity(ctx, &user.ID, input.IPAddress, entity.LoginSuccess, map[string]any{"device_id": result.DeviceID, "mfa": true})
	return result, nil
}

func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*LoginResult, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, ErrInvalidInput
	}
	pair, err := s.tokens.Rotate(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	return resultFromPair(pair, s.tokens.now()), nil
}

func (s *AuthService) Logout(ctx context.Context, refreshToken string, userID *uuid.UUID, ipAddress *string) error {
	if err := s.tokens.EndSession(ctx, refreshToken); err != nil {
		return err
	}
	_ = s.logSecurity(ctx, userID, ipAddress, entity.Logout, nil)
	return nil
}

func (s *AuthService) LogoutAll(ctx context.Context, userID uuid.UUID, ipAddress *string) error {
	if err := s.tokens.RevokeAllSessions(ctx, userID, entity.ReasonLogoutAll); err != nil {
		return err
	}
	_ = s.logSecurity(ctx, &userID, ipAddress, entity.SessionsRevoked, map[string]any{"scope": "all"})
	return nil
}

func (s *AuthService) EnableMFA(ctx context.Context, userID uuid.UUID) (string, error) {
	if s.mfaProvider == nil || s.mfaSecrets == nil {
		return "", ErrMFANotConfigured
	}
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", ErrUserNotFound
	}

	secret, err := s.mfaProvider.GenerateSecret()
	if err != nil {
		return "", err
	}

	if err := s.mfaSecrets.Upsert(ctx, &entity.MFASecret{
		UserID: user.ID,
		Secret: secret,
	}); err != nil {
		return "", err
	}

	return s.mfaProvider.QRCodeURL(user.Email, secret)
}

func (s *AuthService) VerifyMFA(ctx context.Context, userID uuid.UUID, code string) error {
	if s.mfaProvider == nil || s.mfaSecrets == nil {
		return ErrMFANotConfigured
	}
	if strings.TrimSpace(code) == "" {
		return ErrInvalidInput
	}
	secret, err := s.mfaSecrets.FindByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if secret == nil {
		return ErrMFARequired
	}
	if !s.mfaProvider.ValidateCode(secret.Secret, code) {
		return ErrInvalidMFACode
	}

	now := s.tokens.now()
	secret.EnabledAt = &now
	return s.mfaSecrets.Upsert(ctx, secret)
}

func (s *AuthService) DisableMFA(ctx context.Context, userID uuid.UUID) error {
	if s.mfaSecrets == nil {
		return nil
	}
	return s.mfaSecrets.Disable(ctx, userID)
}

func (s *AuthService) GetCurrentUser(ctx context.Context, userID uuid.UUID) (*entity.User, error) {
	return s.users.FindByID(ctx, userID)
}

func (s *AuthService) ListUsers(ctx context.Context, limit, offset int) ([]entity.User, error) {
	return s.users.List(ctx, limit, offset)
}

func (s *AuthService) RevokeUserSessions(ctx context.Context, userID uuid.UUID) error {
	return s.tokens.RevokeAllSessions(ctx, userID, entity.ReasonAdminRevoked)
}

func (s *AuthService) startSession(ctx context.Context, user *entity.User, deviceID string) (*LoginResult, error) {
	pair, err := s.tokens.StartSession(ctx, user.ID, user.Role, deviceID)
	if err != nil {
		return nil, err
	}
	return resultFromPair(pair, s.tokens.now()), nil
}

func resultFromPair(pair *TokenPair, now time.Time) *LoginResult {
	return &LoginResult{
		AccessToken:      pair.AccessToken,
		ExpiresIn:        int64(pair.AccessExpiresIn.Seconds()),
		RefreshToken:     pair.RefreshToken,
		RefreshExpiresIn: int64(pair.RefreshExpiresAt.Sub(now).Seconds()),
		DeviceID:         pair.DeviceID,
	}
}

func (s *AuthService) logSecurity(
	ctx context.Context,
	userID *uuid.UUID,
	ipAddress *string,
	action entity.SecurityAction,
	metadata map[string]any,
) error {
	if s.securityLogs == nil {
		return nil
	}
	var payload datatypes.JSON
	if metadata != nil {
		bytes, err := json.Marshal(metadata)
		if err != nil {
			return err
		}
		payload = datatypes.JSON(bytes)
	}

	return s.securityLogs.Log(ctx, &entity.SecurityLog{
		UserID:    userID,
		IPAddress: ipAddress,
		Action:    action,
		Metadata:  payload,
	})
}
