package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"ordersync/backend/internal/domain"
)

var errInvalidCredentials = errors.New("invalid credentials")

// AuthManager verifies integrator API keys and the short-lived tokens issued
// for them. Keys are held as bcrypt hashes only.
type AuthManager struct {
	mu       sync.RWMutex
	secret   []byte
	tokenTTL time.Duration
	keys     []apiKey
}

type apiKey struct {
	subject string
	hash    string
}

type integratorClaims struct {
	jwtlib.RegisteredClaims
	Method string `json:"auth_method"`
}

// TokenResponse is returned by the token exchange endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	Subject     string `json:"subject"`
	ExpiresAt   string `json:"expires_at"`
}

// NewAuthManager accepts API key entries as "subject:secret". The secret may
// already be a bcrypt hash; plain secrets are hashed on load. An entry without
// a subject gets "integrator-N".
func NewAuthManager(secret string, tokenTTL time.Duration, entries []string) (*AuthManager, error) {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	manager := &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
	}
	for i, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		subject, key, found := strings.Cut(entry, ":")
		if !found || isKeyHash(entry) {
			subject, key = fmt.Sprintf("integrator-%d", i+1), entry
		}
		if err := manager.AddKey(strings.TrimSpace(subject), strings.TrimSpace(key)); err != nil {
			return nil, err
		}
	}
	return manager, nil
}

// AddKey registers an API key for subject.
func (a *AuthManager) AddKey(subject string, key string) error {
	if subject == "" || key == "" {
		return errors.New("api key entry requires a subject and a key")
	}
	hash := key
	if !isKeyHash(key) {
		hashed, err := HashKey(key)
		if err != nil {
			return fmt.Errorf("hash api key for %s: %w", subject, err)
		}
		hash = hashed
	}
	a.mu.Lock()
	a.keys = append(a.keys, apiKey{subject: subject, hash: hash})
	a.mu.Unlock()
	return nil
}

func (a *AuthManager) KeyCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}

// AuthenticateAPIKey returns the integrator owning key.
func (a *AuthManager) AuthenticateAPIKey(_ context.Context, key string) (domain.Actor, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return domain.Actor{}, errInvalidCredentials
	}
	a.mu.RLock()
	keys := append([]apiKey(nil), a.keys...)
	a.mu.RUnlock()

	for _, candidate := range keys {
		if bcrypt.CompareHashAndPassword([]byte(candidate.hash), []byte(key)) == nil {
			return domain.Actor{Subject: candidate.subject, Method: domain.AuthMethodAPIKey}, nil
		}
	}
	return domain.Actor{}, errInvalidCredentials
}

// ExchangeKey trades a valid API key for a bearer token.
func (a *AuthManager) ExchangeKey(ctx context.Context, key string) (TokenResponse, error) {
	actor, err := a.AuthenticateAPIKey(ctx, key)
	if err != nil {
		return TokenResponse{}, err
	}
	return a.IssueToken(actor.Subject)
}

// IssueToken signs a token for subject without checking a key. It backs the
// operator CLI.
func (a *AuthManager) IssueToken(subject string) (TokenResponse, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return TokenResponse{}, errors.New("token subject is required")
	}
	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.sign(subject, expiresAt)
	if err != nil {
		return TokenResponse{}, err
	}
	return TokenResponse{
		AccessToken: token,
		Subject:     subject,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

func (a *AuthManager) ParseToken(tokenStr string) (domain.Actor, error) {
	claims := &integratorClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer(tokenIssuer))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}
	return domain.Actor{Subject: sub, Method: domain.AuthMethodToken}, nil
}

const tokenIssuer = "ordersync"

func (a *AuthManager) sign(subject string, expiresAt time.Time) (string, error) {
	claims := integratorClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwtlib.NewNumericDate(time.Now().UTC()),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
			Issuer:    tokenIssuer,
		},
		Method: domain.AuthMethodToken,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// HashKey returns the bcrypt hash to put in API_KEYS instead of the raw key.
func HashKey(key string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isKeyHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
