package otp

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIssueAndVerify(t *testing.T) {
	ctx := context.Background()
	s := NewService(NewMemoryStore())
	code, err := s.Issue(ctx, "r1", "p1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(code) != 6 {
		t.Fatalf("expected 6-digit code, got %q", code)
	}
	if err := s.Verify(ctx, "r1", "p1", code); err != nil {
		t.Fatalf("verify: %v", err)
	}
	// single-use
	if err := s.Verify(ctx, "r1", "p1", code); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode after consumption, got %v", err)
	}
}

func TestVerifyWrongProvider(t *testing.T) {
	ctx := context.Background()
	s := NewService(NewMemoryStore())
	code, _ := s.Issue(ctx, "r1", "p1", "u1")
	if err := s.Verify(ctx, "r1", "p2", code); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("expected ErrInvalidCode, got %v", err)
	}
}

func TestVerifyAttemptBudget(t *testing.T) {
	ctx := context.Background()
	s := NewService(NewMemoryStore())
	code, _ := s.Issue(ctx, "r1", "p1", "u1")
	for i := 0; i < 3; i++ {
		if err := s.Verify(ctx, "r1", "p1", "000000"); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("attempt %d: expected ErrInvalidCode, got %v", i, err)
		}
	}
	// budget exhausted, even the right code is refused
	if err := s.Verify(ctx, "r1", "p1", code); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("expected ErrTooManyAttempts, got %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	s := NewService(store)
	code, _ := s.Issue(ctx, "r1", "p1", "u1")
	rec, ok, _ := store.Get(ctx, "r1")
	if !ok {
		t.Fatal("record missing")
	}
	rec.ExpiresAt = time.Now().Add(-time.Second)
	if err := store.Put(ctx, "r1", rec, time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := s.Verify(ctx, "r1", "p1", code); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}
