package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/nearby-dispatch/internal/models"
)

var ErrNotFound = errors.New("not found")

// RequestStore persists the durable request record. It is off the hot path:
// the engine writes through it at lifecycle edges and reads back for audit
// and the verification flow.
type RequestStore interface {
	CreateRequest(ctx context.Context, r *models.ServiceRequest) error
	FindRequestByID(ctx context.Context, id string) (*models.ServiceRequest, error)
	// SetCandidates records the broadcast round's candidate list and moves
	// the request to SEARCHING.
	SetCandidates(ctx context.Context, id string, cands []models.Candidate) error
	// UpdateStatus sets a terminal or pass-through status plus the attempt
	// counter recorded at that transition.
	UpdateStatus(ctx context.Context, id string, status models.Status, attempts int) error
	// BindProvider commits the winning provider and its coordinates.
	BindProvider(ctx context.Context, id, providerID string, loc models.Coord, attempts int) error
	// SetVerified flips the OTP-verified flag and moves to IN_PROGRESS.
	SetVerified(ctx context.Context, id string) error
}

// ProviderStore exposes the provider fields the core reads and writes.
type ProviderStore interface {
	BaseLocation(ctx context.Context, providerID string) (models.Coord, error)
	UpsertRestingLocation(ctx context.Context, providerID string, p models.Presence) error
}

// MemoryStore backs both stores for tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*models.ServiceRequest
	cands    map[string][]models.Candidate
	bases    map[string]models.Coord
	resting  map[string]models.Presence
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*models.ServiceRequest),
		cands:    make(map[string][]models.Candidate),
		bases:    make(map[string]models.Coord),
		resting:  make(map[string]models.Presence),
	}
}

func (m *MemoryStore) CreateRequest(_ context.Context, r *models.ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) FindRequestByID(_ context.Context, id string) (*models.ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) SetCandidates(_ context.Context, id string, cands []models.Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	m.cands[id] = cands
	r.Status = models.StatusSearching
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, status models.Status, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	r.SearchAttempts = attempts
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) BindProvider(_ context.Context, id, providerID string, loc models.Coord, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = models.StatusAccepted
	r.ProviderID = providerID
	r.ProviderLoc = &models.Coord{Lat: loc.Lat, Lon: loc.Lon}
	r.SearchAttempts = attempts
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetVerified(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return ErrNotFound
	}
	r.OTPVerified = true
	r.Status = models.StatusInProgress
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) BaseLocation(_ context.Context, providerID string) (models.Coord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.bases[providerID]
	if !ok {
		return models.Coord{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) SetBaseLocation(providerID string, c models.Coord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bases[providerID] = c
}

func (m *MemoryStore) UpsertRestingLocation(_ context.Context, providerID string, p models.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resting[providerID] = p
	return nil
}

// RestingLocation is a test helper.
func (m *MemoryStore) RestingLocation(providerID string) (models.Presence, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.resting[providerID]
	return p, ok
}
