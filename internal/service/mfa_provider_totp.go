package service

import (
	"net/url"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

type TOTPProvider struct {
	Issuer string
	Period uint
	Skew   uint
}

func NewTOTPProvider(issuer string) *TOTPProvider {
	return &TOTPProvider{
		Issuer: issuer,
		Period: 30,
		Skew:   1,
	}
}

func (p *TOTPProvider) GenerateSecret() (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      p.issuer(),
		AccountName: "pending",
		Period:      p.period(),
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", err
	}
	return key.Secret(), nil
}

func (p *TOTPProvider) QRCodeURL(email string, secret string) (string, error) {
	issuer := p.issuer()
	label := url.PathEscape(issuer + ":" + email)
	query := url.Values{}
	query.Set("secret", secret)
	query.Set("issuer", issuer)
	query.Set("algorithm", "SHA1")
	query.Set("digits", "6")
	query.Set("period", "30")
	return "otpauth://totp/" + label + "?" + query.Encode(), nil
}

func (p *TOTPProvider) ValidateCode(secret string, code string) bool {
	ok, err := totp.ValidateCustom(code, secret, time.Now(), totp.ValidateOpts{
		Period:    p.period(),
		Skew:      p.skew(),
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		// Malformed secret or digit count; never accept on error.
		return false
	}
	return ok
}

func (p *TOTPProvider) issuer() string {
	if strings.TrimSpace(p.Issuer) == "" {
		return "Authcore"
	}
	return p.Issuer
}

func (p *TOTPProvider) period() uint {
	if p.Period == 0 {
		return 30
	}
	return p.Period
}

func (p *TOTPProvider) skew() uint {
	if p.Skew == 0 {
		return 1
	}
	return p.Skew
}
