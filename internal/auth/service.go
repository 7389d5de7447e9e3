package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const adminSubject = "admin"

var (
	ErrInvalidCreds  = errors.New("invalid credentials")
	ErrLoginDisabled = errors.New("admin login is not configured")
	ErrInvalidToken  = errors.New("invalid or expired token")
)

type Options struct {
	// PasswordHash is a bcrypt hash of the admin password. Login is disabled
	// when empty.
	PasswordHash string
	// AdminSecret is accepted verbatim in the X-Admin-Secret header.
	AdminSecret string
	JWTSecret   string
	TokenTTL    time.Duration
	Logger      *zap.Logger
}

// Service issues and checks admin credentials. There is a single admin
// principal; tokens carry sub=admin.
type Service struct {
	passwordHash []byte
	adminSecret  []byte
	jwtSecret    []byte
	ttl          time.Duration
	now          func() time.Time
}

func NewService(opts Options) (*Service, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 12 * time.Hour
	}

	secret := []byte(opts.JWTSecret)
	if len(secret) == 0 {
		buf := make([]byte, 48)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("failed to generate JWT fallback secret: %w", err)
		}
		secret = []byte(base64.RawURLEncoding.EncodeToString(buf))
		opts.Logger.Warn("jwt secret is not set; tokens will not survive a restart")
	}

	s := &Service{
		jwtSecret: secret,
		ttl:       opts.TokenTTL,
		now:       time.Now,
	}
	if opts.PasswordHash != "" {
		s.passwordHash = []byte(opts.PasswordHash)
	}
	if opts.AdminSecret != "" {
		s.adminSecret = []byte(opts.AdminSecret)
	}
	return s, nil
}

// HashPassword returns the bcrypt hash to put in server.admin_password_hash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing failed: %w", err)
	}
	return string(hash), nil
}

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Service) Login(password string) (*LoginResponse, error) {
	if s.passwordHash == nil {
		return nil, ErrLoginDisabled
	}
	if err := bcrypt.CompareHashAndPassword(s.passwordHash, []byte(password)); err != nil {
		return nil, ErrInvalidCreds
	}

	now := s.now()
	exp := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   adminSubject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &LoginResponse{Token: token, ExpiresAt: exp.UTC()}, nil
}

// VerifyToken checks signature, expiry and subject.
func (s *Service) VerifyToken(raw string) error {
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithSubject(adminSubject), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}
	return nil
}

// CheckSecret reports whether secret matches the configured admin secret.
// It is always false when no secret is configured.
func (s *Service) CheckSecret(secret string) bool {
	if s.adminSecret == nil || secret == "" {
		return false
	}
	return subtle.ConstantTimeCompare(s.adminSecret, []byte(secret)) == 1
}
