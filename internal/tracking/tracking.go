// Package tracking owns provider presence: the on-duty/off-duty shift
// lifecycle and the live position of every on-duty provider. Presence
// entries are written only here; the dispatch engine reads them through the
// geo index.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/nearby-dispatch/internal/geo"
	"github.com/example/nearby-dispatch/internal/models"
	"github.com/example/nearby-dispatch/internal/observability"
)

var (
	ErrAlreadyActive = errors.New("provider already has an active shift")
	ErrNotActive     = errors.New("no active shift")
	ErrOutOfRange    = errors.New("location outside allowed radius of base location")
	// ErrRestingPersist flags a shift end whose live cleanup succeeded but
	// whose durable resting-position write did not.
	ErrRestingPersist = errors.New("resting position not persisted")
)

// BaseLocator resolves a provider's registered base location; owned by the
// identity subsystem.
type BaseLocator interface {
	BaseLocation(ctx context.Context, providerID string) (models.Coord, error)
}

// RestingStore durably records the provider's final position on shift end.
type RestingStore interface {
	UpsertRestingLocation(ctx context.Context, providerID string, p models.Presence) error
}

type Service struct {
	Geo     geo.Geo
	Base    BaseLocator
	Resting RestingStore
	Logger  *slog.Logger

	// BaseRadiusKm bounds how far from base a shift may start.
	BaseRadiusKm float64
	// MinMoveM is the significance floor below which position reports are
	// dropped.
	MinMoveM float64
	// PresenceTTL bounds presence liveness between accepted updates.
	PresenceTTL time.Duration
}

func (s *Service) baseRadiusM() float64 {
	if s.BaseRadiusKm <= 0 {
		return 10 * 1000
	}
	return s.BaseRadiusKm * 1000
}

func (s *Service) minMoveM() float64 {
	if s.MinMoveM <= 0 {
		return 1
	}
	return s.MinMoveM
}

func (s *Service) presenceTTL() time.Duration {
	if s.PresenceTTL <= 0 {
		return 5 * time.Minute
	}
	return s.PresenceTTL
}

// StartShift validates the provider against its base location and creates
// live presence. The geo write is all-or-nothing: the index implementations
// roll back a partial upsert rather than leaving a half-registered provider.
func (s *Service) StartShift(ctx context.Context, providerID string, loc models.Coord, accuracy float64, source string) error {
	if err := validCoord(loc); err != nil {
		return err
	}
	if _, ok, err := s.Geo.Get(ctx, providerID); err != nil {
		return fmt.Errorf("presence lookup: %w", err)
	} else if ok {
		return ErrAlreadyActive
	}
	base, err := s.Base.BaseLocation(ctx, providerID)
	if err != nil {
		return fmt.Errorf("base location %s: %w", providerID, err)
	}
	dist, err := s.Geo.Distance(ctx, base, loc)
	if err != nil {
		dist = geo.Haversine(base, loc)
	}
	if dist > s.baseRadiusM() {
		return fmt.Errorf("%w: %.0fm from base", ErrOutOfRange, dist)
	}
	now := time.Now()
	p := models.Presence{
		ProviderID: providerID,
		Loc:        loc,
		Accuracy:   accuracy,
		Source:     source,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.Geo.Upsert(ctx, p, s.presenceTTL()); err != nil {
		return err
	}
	observability.ProvidersOnDuty.Inc()
	s.Logger.Info("shift started", "provider_id", providerID, "distance_from_base_m", dist)
	return nil
}

// EndShift persists the last known position as the provider's resting
// location and clears live state. A failed durable write never blocks the
// cleanup: it is surfaced as ErrRestingPersist so callers can report it
// without a ghost presence surviving.
func (s *Service) EndShift(ctx context.Context, providerID string) error {
	p, ok, err := s.Geo.Get(ctx, providerID)
	if err != nil {
		return fmt.Errorf("presence lookup: %w", err)
	}
	if !ok {
		return ErrNotActive
	}
	persistErr := s.Resting.UpsertRestingLocation(ctx, providerID, p)
	if err := s.Geo.Remove(ctx, providerID); err != nil {
		return fmt.Errorf("presence cleanup %s: %w", providerID, err)
	}
	observability.ProvidersOnDuty.Dec()
	if persistErr != nil {
		observability.RestingPersistFailures.Inc()
		s.Logger.Error("resting position write failed", "provider_id", providerID, "error", persistErr)
		return fmt.Errorf("%w: %v", ErrRestingPersist, persistErr)
	}
	s.Logger.Info("shift ended", "provider_id", providerID)
	return nil
}

// UpdateLocation applies a periodic position report. Reports from off-duty
// providers are dropped, as is movement below the significance floor; an
// accepted report refreshes the presence TTL. Returns whether the stored
// coordinate changed.
func (s *Service) UpdateLocation(ctx context.Context, providerID string, loc models.Coord, accuracy float64, source string) (bool, error) {
	if err := validCoord(loc); err != nil {
		return false, err
	}
	p, ok, err := s.Geo.Get(ctx, providerID)
	if err != nil {
		return false, fmt.Errorf("presence lookup: %w", err)
	}
	if !ok {
		return false, nil
	}
	if geo.Haversine(p.Loc, loc) <= s.minMoveM() {
		return false, nil
	}
	p.Loc = loc
	p.Accuracy = accuracy
	if source != "" {
		p.Source = source
	}
	p.UpdatedAt = time.Now()
	if err := s.Geo.Upsert(ctx, p, s.presenceTTL()); err != nil {
		return false, err
	}
	return true, nil
}

var ErrValidation = errors.New("invalid coordinates")

func validCoord(c models.Coord) error {
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: lat=%f lon=%f", ErrValidation, c.Lat, c.Lon)
	}
	return nil
}
