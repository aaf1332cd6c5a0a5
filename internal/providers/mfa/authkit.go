// Package mfa holds simulated two-factor providers for the mfa registry
// category: short-lived signed tokens plus one-time codes.
package mfa

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/davidleathers/provider-gateway/internal/registry"
)

// RequiredOperations is the capability contract of the mfa category.
var RequiredOperations = []string{"issueToken", "verifyToken", "sendCode", "verifyCode"}

// TokenRequest asks for a signed session token.
type TokenRequest struct {
	Subject string        `json:"subject"`
	TTL     time.Duration `json:"ttl,omitempty"`
}

// TokenResult carries the signed token.
type TokenResult struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expires_at"`
}

// VerifyRequest asks whether a token is valid.
type VerifyRequest struct {
	Token string `json:"token"`
}

// VerifyResult reports the verified claims.
type VerifyResult struct {
	Valid     bool      `json:"valid"`
	Subject   string    `json:"subject,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// CodeRequest asks for a one-time code to be delivered.
type CodeRequest struct {
	Destination string `json:"destination"`
}

// CodeResult identifies the pending code challenge.
type CodeResult struct {
	ChallengeID string    `json:"challenge_id"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// CodeVerifyRequest answers a code challenge.
type CodeVerifyRequest struct {
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`
}

// AuthKit is a simulated MFA vendor. Tokens are HS256-signed JWTs; codes
// are six digits held in memory until they expire or verify.
type AuthKit struct {
	name       string
	signingKey []byte
	defaultTTL time.Duration
	codeTTL    time.Duration

	mu       sync.Mutex
	codes    map[string]pendingCode
	failNext map[string][]error
	calls    map[string]int
	healthy  bool
}

type pendingCode struct {
	code      string
	expiresAt time.Time
}

// NewAuthKit builds an mfa provider signing with the given key.
func NewAuthKit(name string, signingKey []byte) *AuthKit {
	return &AuthKit{
		name:       name,
		signingKey: signingKey,
		defaultTTL: 5 * time.Minute,
		codeTTL:    2 * time.Minute,
		codes:      make(map[string]pendingCode),
		failNext:   make(map[string][]error),
		calls:      make(map[string]int),
		healthy:    true,
	}
}

// Name implements registry.Provider.
func (a *AuthKit) Name() string { return a.name }

// Operations implements registry.Provider.
func (a *AuthKit) Operations() map[string]registry.Operation {
	return map[string]registry.Operation{
		"issueToken":  a.issueToken,
		"verifyToken": a.verifyToken,
		"sendCode":    a.sendCode,
		"verifyCode":  a.verifyCode,
	}
}

// HealthCheck implements registry.HealthChecker.
func (a *AuthKit) HealthCheck(ctx context.Context) error {
	a.mu.Lock()
	healthy := a.healthy
	a.mu.Unlock()

	if !healthy {
		return fmt.Errorf("%s marked unhealthy", a.name)
	}
	return nil
}

// SetHealthy toggles the simulated vendor's liveness.
func (a *AuthKit) SetHealthy(healthy bool) {
	a.mu.Lock()
	a.healthy = healthy
	a.mu.Unlock()
}

// FailNext queues an error for the next call of the operation.
func (a *AuthKit) FailNext(operation string, err error) {
	a.mu.Lock()
	a.failNext[operation] = append(a.failNext[operation], err)
	a.mu.Unlock()
}

// CallCount reports how many times an operation was invoked.
func (a *AuthKit) CallCount(operation string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[operation]
}

func (a *AuthKit) begin(operation string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.calls[operation]++
	if queue := a.failNext[operation]; len(queue) > 0 {
		err := queue[0]
		a.failNext[operation] = queue[1:]
		return err
	}
	return nil
}

func (a *AuthKit) issueToken(ctx context.Context, data any) (any, error) {
	if err := a.begin("issueToken"); err != nil {
		return nil, err
	}

	req, ok := data.(*TokenRequest)
	if !ok {
		return nil, errors.New("issueToken expects a *TokenRequest")
	}
	if req.Subject == "" {
		return nil, errors.New("token subject is required")
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = a.defaultTTL
	}
	expires := time.Now().Add(ttl)

	claims := jwt.RegisteredClaims{
		Subject:   req.Subject,
		Issuer:    a.name,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.NewString(),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.signingKey)
	if err != nil {
		return nil, fmt.Errorf("signing token: %w", err)
	}

	return &TokenResult{Token: token, Subject: req.Subject, ExpiresAt: expires}, nil
}

func (a *AuthKit) verifyToken(ctx context.Context, data any) (any, error) {
	if err := a.begin("verifyToken"); err != nil {
		return nil, err
	}

	req, ok := data.(*VerifyRequest)
	if !ok {
		return nil, errors.New("verifyToken expects a *VerifyRequest")
	}

	parsed, err := jwt.ParseWithClaims(req.Token, &jwt.RegisteredClaims{},
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return a.signingKey, nil
		})
	if err != nil {
		return &VerifyResult{Valid: false}, nil
	}

	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return &VerifyResult{Valid: false}, nil
	}

	res := &VerifyResult{Valid: true, Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		res.ExpiresAt = claims.ExpiresAt.Time
	}
	return res, nil
}

func (a *AuthKit) sendCode(ctx context.Context, data any) (any, error) {
	if err := a.begin("sendCode"); err != nil {
		return nil, err
	}

	req, ok := data.(*CodeRequest)
	if !ok {
		return nil, errors.New("sendCode expects a *CodeRequest")
	}
	if req.Destination == "" {
		return nil, errors.New("code destination is required")
	}

	code, err := sixDigits()
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	expires := time.Now().Add(a.codeTTL)

	a.mu.Lock()
	a.codes[id] = pendingCode{code: code, expiresAt: expires}
	a.mu.Unlock()

	return &CodeResult{ChallengeID: id, ExpiresAt: expires}, nil
}

func (a *AuthKit) verifyCode(ctx context.Context, data any) (any, error) {
	if err := a.begin("verifyCode"); err != nil {
		return nil, err
	}

	req, ok := data.(*CodeVerifyRequest)
	if !ok {
		return nil, errors.New("verifyCode expects a *CodeVerifyRequest")
	}

	a.mu.Lock()
	pending, found := a.codes[req.ChallengeID]
	if found && pending.code == req.Code {
		delete(a.codes, req.ChallengeID)
	}
	a.mu.Unlock()

	if !found || time.Now().After(pending.expiresAt) {
		return &VerifyResult{Valid: false}, nil
	}
	return &VerifyResult{Valid: pending.code == req.Code}, nil
}

// PendingCode exposes a challenge's code for tests and the sandbox API.
func (a *AuthKit) PendingCode(challengeID string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	pending, ok := a.codes[challengeID]
	if !ok || time.Now().After(pending.expiresAt) {
		return "", false
	}
	return pending.code, true
}

func sixDigits() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("generating code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
