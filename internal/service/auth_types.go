package service

import (
	"context"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hash string, password string) bool
}

// AlertSender notifies an account owner of security-relevant events.
// Optional collaborator; a nil sender disables notifications.
type AlertSender interface {
	SendSessionsRevokedAlert(ctx context.Context, email string, reason string) error
}

type MFAProvider interface {
	GenerateSecret() (string, error)
	QRCodeURL(email string, secret string) (string, error)
	ValidateCode(secret string, code string) bool
}

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

type BcryptPasswordHasher struct {
	Cost int
}

func (h BcryptPasswordHasher) Hash(password string) (string, error) {
	cost := h.Cost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func (h BcryptPasswordHasher) Verify(hash string, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
