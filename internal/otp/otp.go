// Package otp issues and verifies the one-time codes that bind an accepted
// request to its winning provider and requester.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"
)

const (
	codeExpiry  = 10 * time.Minute
	maxAttempts = 3
)

var (
	ErrInvalidCode     = errors.New("invalid verification code")
	ErrExpired         = errors.New("verification code expired")
	ErrTooManyAttempts = errors.New("maximum verification attempts exceeded")
)

// Record is one issued code with its attempt budget.
type Record struct {
	Code        string
	ProviderID  string
	RequesterID string
	Attempts    int
	ExpiresAt   time.Time
}

// Store persists codes keyed by request id with a TTL.
type Store interface {
	Put(ctx context.Context, requestID string, rec Record, ttl time.Duration) error
	Get(ctx context.Context, requestID string) (Record, bool, error)
	Delete(ctx context.Context, requestID string) error
}

// Service issues 6-digit single-use codes bound to
// (request, provider, requester).
type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

func (s *Service) Issue(ctx context.Context, requestID, providerID, requesterID string) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	rec := Record{
		Code:        code,
		ProviderID:  providerID,
		RequesterID: requesterID,
		ExpiresAt:   time.Now().Add(codeExpiry),
	}
	// replaces any earlier code for the same request
	if err := s.store.Put(ctx, requestID, rec, codeExpiry); err != nil {
		return "", fmt.Errorf("store code: %w", err)
	}
	return code, nil
}

// Verify consumes the code on success. Each wrong attempt burns one of the
// attempt budget; the record survives wrong attempts until exhausted.
func (s *Service) Verify(ctx context.Context, requestID, providerID, code string) error {
	rec, ok, err := s.store.Get(ctx, requestID)
	if err != nil {
		return fmt.Errorf("load code: %w", err)
	}
	if !ok || rec.ProviderID != providerID {
		return ErrInvalidCode
	}
	if time.Now().After(rec.ExpiresAt) {
		_ = s.store.Delete(ctx, requestID)
		return ErrExpired
	}
	if rec.Attempts >= maxAttempts {
		return ErrTooManyAttempts
	}
	rec.Attempts++
	if rec.Code != code {
		ttl := time.Until(rec.ExpiresAt)
		if err := s.store.Put(ctx, requestID, rec, ttl); err != nil {
			return fmt.Errorf("store attempt: %w", err)
		}
		return ErrInvalidCode
	}
	if err := s.store.Delete(ctx, requestID); err != nil {
		return fmt.Errorf("consume code: %w", err)
	}
	return nil
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", n.Int64()+100000), nil
}
