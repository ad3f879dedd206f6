package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/nearby-dispatch/internal/models"
	"github.com/example/nearby-dispatch/internal/tracking"
)

type fakeApplier struct {
	fail  int // failures before succeeding
	calls int
	moved bool
	err   error
}

func (f *fakeApplier) UpdateLocation(ctx context.Context, providerID string, loc models.Coord, accuracy float64, source string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	if f.calls <= f.fail {
		return false, errors.New("transient")
	}
	return f.moved, nil
}

func TestApplyWithRetrySucceedsAfterTransientFailure(t *testing.T) {
	f := &fakeApplier{fail: 1, moved: true}
	report := models.LocationReport{ProviderID: "p1", Loc: models.Coord{Lat: 1, Lon: 2}}
	start := time.Now()
	moved, err := applyWithRetry(context.Background(), f, report, 3, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !moved {
		t.Fatal("expected the update to apply")
	}
	if f.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", f.calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatal("expected at least one backoff")
	}
}

func TestApplyWithRetryFailsWhenExhausted(t *testing.T) {
	f := &fakeApplier{fail: 5}
	report := models.LocationReport{ProviderID: "p1", Loc: models.Coord{Lat: 1, Lon: 2}}
	if _, err := applyWithRetry(context.Background(), f, report, 3, 5*time.Millisecond); err == nil {
		t.Fatal("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 calls, got %d", f.calls)
	}
}

func TestApplyWithRetryDoesNotRetryValidationErrors(t *testing.T) {
	f := &fakeApplier{err: tracking.ErrValidation}
	report := models.LocationReport{ProviderID: "p1", Loc: models.Coord{Lat: 91, Lon: 2}}
	if _, err := applyWithRetry(context.Background(), f, report, 3, 5*time.Millisecond); !errors.Is(err, tracking.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("expected 1 call, got %d", f.calls)
	}
}
