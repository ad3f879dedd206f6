// Package state holds the ephemeral per-request offer-round state: the
// candidate list, the active (still eligible) provider set, collected
// acceptances, the status cell that dispatch transitions race over, and the
// request-scoped finalize lock. Redis is the store of record so the engine
// can scale across processes; Memory mirrors the same semantics for tests
// and single-node runs at the cost of cross-process durability.
package state

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/nearby-dispatch/internal/models"
)

// roundKeyTTL is the safety-net expiry on round keys so abandoned state
// cannot accumulate regardless of cleanup outcome.
const roundKeyTTL = time.Hour

var (
	// ErrNoRound means the request has no live round state (never started,
	// or expired past its audit window).
	ErrNoRound = errors.New("no offer round")
	// ErrRoundClosed means the round reached a state that admits no further
	// collection transitions.
	ErrRoundClosed = errors.New("offer round closed")
)

// Store is the offer-round state contract.
type Store interface {
	// InitRound creates round state in SEARCHING with every candidate
	// active. ttl bounds the active set (the overall round timeout).
	InitRound(ctx context.Context, requestID, requesterID string, cands []models.Candidate, ttl time.Duration) error

	Status(ctx context.Context, requestID string) (models.Status, error)
	Candidates(ctx context.Context, requestID string) ([]models.Candidate, error)
	Requester(ctx context.Context, requestID string) (string, error)
	Attempts(ctx context.Context, requestID string) (int, error)

	// BeginCollection is the SEARCHING→COLLECTING compare-and-set. It
	// returns true when this call performed the transition, false when the
	// round was already collecting (the caller lost a benign race), and
	// ErrRoundClosed for any other state. The requester id and deadline are
	// recorded for the time-based sweep.
	BeginCollection(ctx context.Context, requestID, requesterID string, deadline time.Time) (bool, error)

	AddAcceptance(ctx context.Context, requestID string, a models.Acceptance) error
	Acceptances(ctx context.Context, requestID string) ([]models.Acceptance, error)

	IsActive(ctx context.Context, requestID, providerID string) (bool, error)
	// RemoveActive drops a responder from the active set and returns how
	// many providers remain eligible.
	RemoveActive(ctx context.Context, requestID, providerID string) (int, error)
	ActiveProviders(ctx context.Context, requestID string) ([]string, error)

	// MarkNoProvider moves any non-terminal round to NO_PROVIDER; true when
	// this call performed the transition.
	MarkNoProvider(ctx context.Context, requestID string) (bool, error)
	SetAccepted(ctx context.Context, requestID string) error

	// TryLock takes the request-scoped finalize lock; the TTL guarantees
	// eventual release if the holder dies.
	TryLock(ctx context.Context, requestID string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, requestID string) error

	// ExpiredCollections lists requests still COLLECTING past their
	// deadline as of now; the sweep finalizes them.
	ExpiredCollections(ctx context.Context, now time.Time) ([]string, error)

	// ClearRound discards per-request keys, keeping status and acceptances
	// readable for the audit duration.
	ClearRound(ctx context.Context, requestID string, audit time.Duration) error
}

type round struct {
	status      models.Status
	requester   string
	attempts    int
	candidates  []models.Candidate
	active      map[string]struct{}
	acceptances []models.Acceptance
	deadline    time.Time
	expiresAt   time.Time
}

// Memory implements Store on an in-process map with lazy expiry.
type Memory struct {
	mu     sync.Mutex
	rounds map[string]*round
	locks  map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{rounds: make(map[string]*round), locks: make(map[string]time.Time)}
}

// get prunes expired state before handing back the round; callers hold mu.
func (m *Memory) get(requestID string) (*round, error) {
	r, ok := m.rounds[requestID]
	if !ok {
		return nil, ErrNoRound
	}
	if !r.expiresAt.IsZero() && time.Now().After(r.expiresAt) {
		delete(m.rounds, requestID)
		return nil, ErrNoRound
	}
	return r, nil
}

func (m *Memory) InitRound(_ context.Context, requestID, requesterID string, cands []models.Candidate, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := make(map[string]struct{}, len(cands))
	for _, c := range cands {
		active[c.ProviderID] = struct{}{}
	}
	m.rounds[requestID] = &round{
		status:     models.StatusSearching,
		requester:  requesterID,
		attempts:   1,
		candidates: append([]models.Candidate(nil), cands...),
		active:     active,
		expiresAt:  time.Now().Add(roundKeyTTL),
	}
	_ = ttl // the active set shares the round's lifetime in-process
	return nil
}

func (m *Memory) Status(_ context.Context, requestID string) (models.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(requestID)
	if err != nil {
		return "", err
	}
	return r.status, nil
}

func (m *Memory) Candidates(_ context.Context, requestID string) ([]models.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(requestID)
	if err != nil {
		return nil, err
	}
	return append([]models.Candidate(nil), r.candidates...), nil
}

func (m *Memory) Requester(_ context.Context, requestID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(requestID)
	if err != nil {
		return "", err
	}
	return r.requester, nil
}

func (m *Memory) Attempts(_ context.Context, requestID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(requestID)
	if err != nil {
		return 0, err
	}
	return r.attempts, nil
}

func (m *Memory) BeginCollection(_ context.Context, requestID, requesterID string, deadline time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(requestID)
	if err != nil {
		return false, err
	}
	switch r.status {
	case models.StatusSearching:
		r.status = models.StatusCollecting
		r.requester = requesterID
		r.deadline = deadline
		return true, nil
	case models.StatusCollecting:
		return false, nil
	default:
		return false, ErrRoundClosed
	}
}

func (m *Memory) AddAcceptance(_ context.Context, requestID string, a models.Acceptance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(requestID)
	if err != nil {
		return err
	}
	r.acceptances = append(r.acceptances, a)
	return nil
}

func (m *Memory) Acceptances(_ context.Context, requestID string) ([]models.Acceptance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(requestID)
	if err != nil {
		return nil, err
	}
	return append([]models.Acceptance(nil), r.acceptances...), nil
}

func (m *Memory) IsActive(_ context.Context, requestID, providerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(requestID)
	if err != nil {
		return false, err
	}
	_, ok := r.active[providerID]
	return ok, nil
}

func (m *Memory) RemoveActive(_ context.Context, requestID, providerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(requestID)
	if err != nil {
		return 0, err
	}
	delete(r.active, providerID)
	return len(r.active), nil
}

func (m *Memory) ActiveProviders(_ context.Context, requestID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(requestID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(r.active))
	for id := range r.active {
		out = append(out, id)
	}
	return out, nil
}

func (m *Memory) MarkNoProvider(_ context.Context, requestID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(requestID)
	if err != nil {
		return false, err
	}
	if r.status.Terminal() {
		return false, nil
	}
	r.status = models.StatusNoProvider
	r.deadline = time.Time{}
	return true, nil
}

func (m *Memory) SetAccepted(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.get(requestID)
	if err != nil {
		return err
	}
	r.status = models.StatusAccepted
	r.deadline = time.Time{}
	return nil
}

func (m *Memory) TryLock(_ context.Context, requestID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, held := m.locks[requestID]; held && time.Now().Before(exp) {
		return false, nil
	}
	m.locks[requestID] = time.Now().Add(ttl)
	return true, nil
}

func (m *Memory) Unlock(_ context.Context, requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, requestID)
	return nil
}

func (m *Memory) ExpiredCollections(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, r := range m.rounds {
		if r.status == models.StatusCollecting && !r.deadline.IsZero() && now.After(r.deadline) {
			out = append(out, id)
		}
	}
	return out, nil
}

func (m *Memory) ClearRound(_ context.Context, requestID string, audit time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[requestID]
	if !ok {
		return nil
	}
	r.active = map[string]struct{}{}
	r.candidates = nil
	r.deadline = time.Time{}
	r.expiresAt = time.Now().Add(audit)
	return nil
}
