// Package engine is the matching and dispatch core: it finds nearby on-duty
// providers for a new request, broadcasts the offer, collects acceptances
// inside a bounded window, and commits exactly one provider.
//
// Per-request transitions are totally ordered by the compare-and-set at
// SEARCHING→COLLECTING and the finalize lock at COLLECTING→ACCEPTED; across
// requests there is no ordering. The collection deadline is enforced twice,
// by a timer armed at the winning acceptance and by the periodic sweep, and
// both paths are idempotent against an already-finalized round.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/nearby-dispatch/internal/geo"
	"github.com/example/nearby-dispatch/internal/models"
	"github.com/example/nearby-dispatch/internal/notify"
	"github.com/example/nearby-dispatch/internal/observability"
	"github.com/example/nearby-dispatch/internal/state"
	"github.com/example/nearby-dispatch/internal/storage"
)

// Notifier is the fan-out contract the engine consumes. notify.Hub
// satisfies it.
type Notifier interface {
	NotifyProvider(ctx context.Context, providerID, event string, payload any)
	NotifyRequester(ctx context.Context, userID, event string, payload any)
}

// Codes issues and verifies the one-time codes bound to an acceptance.
type Codes interface {
	Issue(ctx context.Context, requestID, providerID, requesterID string) (string, error)
	Verify(ctx context.Context, requestID, providerID, code string) error
}

// ChargeHolder places a manual-capture hold for the visiting charge once a
// provider is committed. Optional; failures never unwind the match.
type ChargeHolder interface {
	Hold(ctx context.Context, amountCents int64, currency, customerID string) (string, error)
}

type Config struct {
	SearchRadiusM    float64
	RoundTimeout     time.Duration
	CollectionWindow time.Duration
	FinalizeLockTTL  time.Duration
	AuditTTL         time.Duration
}

func (c *Config) applyDefaults() {
	if c.SearchRadiusM <= 0 {
		c.SearchRadiusM = 10_000
	}
	if c.RoundTimeout <= 0 {
		c.RoundTimeout = 30 * time.Second
	}
	if c.CollectionWindow <= 0 {
		c.CollectionWindow = 3 * time.Second
	}
	if c.FinalizeLockTTL <= 0 {
		c.FinalizeLockTTL = 5 * time.Second
	}
	if c.AuditTTL <= 0 {
		c.AuditTTL = 10 * time.Minute
	}
}

type Engine struct {
	geo      geo.Geo
	state    state.Store
	requests storage.RequestStore
	notifier Notifier
	codes    Codes
	payments ChargeHolder // nil disables charge holds
	logger   *slog.Logger
	cfg      Config
}

func New(g geo.Geo, st state.Store, requests storage.RequestStore, n Notifier, codes Codes, payments ChargeHolder, logger *slog.Logger, cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		geo:      g,
		state:    st,
		requests: requests,
		notifier: n,
		codes:    codes,
		payments: payments,
		logger:   logger,
		cfg:      cfg,
	}
}

// CreateRequest validates input and writes the durable PENDING record.
func (e *Engine) CreateRequest(ctx context.Context, requesterID string, services []models.ServiceItem, origin models.Coord) (*models.ServiceRequest, error) {
	if requesterID == "" {
		return nil, fmt.Errorf("%w: missing requester", ErrValidation)
	}
	if err := validCoord(origin); err != nil {
		return nil, err
	}
	now := time.Now()
	r := &models.ServiceRequest{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		Services:    services,
		Origin:      origin,
		Status:      models.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.requests.CreateRequest(ctx, r); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	observability.RequestsCreated.Inc()
	return r, nil
}

// FindNearbyProviders returns on-duty providers within the search radius,
// nearest first.
func (e *Engine) FindNearbyProviders(ctx context.Context, loc models.Coord) ([]models.Candidate, error) {
	if err := validCoord(loc); err != nil {
		return nil, err
	}
	return e.geo.Nearby(ctx, loc, e.cfg.SearchRadiusM, 0)
}

// StartProviderSearch opens a broadcast round for the request. It returns
// true when a round started, false when no candidates were in range (the
// request is then already NO_PROVIDER).
func (e *Engine) StartProviderSearch(ctx context.Context, r *models.ServiceRequest) (bool, error) {
	cands, err := e.FindNearbyProviders(ctx, r.Origin)
	if err != nil {
		return false, err
	}
	if len(cands) == 0 {
		// no broadcast round is opened at all
		if err := e.requests.UpdateStatus(ctx, r.ID, models.StatusNoProvider, 0); err != nil {
			e.logger.Error("no-provider record update failed", "request_id", r.ID, "error", err)
		}
		e.notifier.NotifyRequester(ctx, r.RequesterID, notify.EventStatus, statusPayload(r.ID, models.StatusNoProvider))
		observability.RequestsNoProvider.Inc()
		return false, nil
	}

	if err := e.state.InitRound(ctx, r.ID, r.RequesterID, cands, e.cfg.RoundTimeout); err != nil {
		return false, fmt.Errorf("init round: %w", err)
	}
	if err := e.requests.UpdateStatus(ctx, r.ID, models.StatusSearching, 1); err != nil {
		e.logger.Warn("searching record update failed", "request_id", r.ID, "error", err)
	}
	if err := e.requests.SetCandidates(ctx, r.ID, cands); err != nil {
		// audit record only; the live round is authoritative
		e.logger.Warn("candidate record update failed", "request_id", r.ID, "error", err)
	}

	// every candidate gets the offer in the same round
	var wg sync.WaitGroup
	for _, c := range cands {
		wg.Add(1)
		go func(c models.Candidate) {
			defer wg.Done()
			e.notifier.NotifyProvider(ctx, c.ProviderID, notify.EventOffer, offerPayload{
				RequestID:   r.ID,
				RequesterID: r.RequesterID,
				DistanceM:   c.DistanceM,
				Services:    r.Services,
			})
		}(c)
	}
	wg.Wait()
	observability.OfferRounds.Inc()
	observability.OffersSent.Add(float64(len(cands)))

	requestID, requesterID := r.ID, r.RequesterID
	time.AfterFunc(e.cfg.RoundTimeout, func() {
		e.checkRoundTimeout(context.Background(), requestID, requesterID)
	})
	e.logger.Info("offer round started", "request_id", r.ID, "candidates", len(cands))
	return true, nil
}

// HandleProviderResponse applies one provider's accept or reject. Late or
// duplicate responses are answered with a non-authoritative rejection and
// never mutate state.
func (e *Engine) HandleProviderResponse(ctx context.Context, requestID, providerID string, accepted bool, requesterID string) (models.ResponseAck, error) {
	if requestID == "" || providerID == "" {
		return models.ResponseAck{}, fmt.Errorf("%w: missing ids", ErrValidation)
	}
	st, err := e.state.Status(ctx, requestID)
	if errors.Is(err, state.ErrNoRound) {
		return models.ResponseAck{}, ErrRequestAlreadyHandled
	}
	if err != nil {
		return models.ResponseAck{}, err
	}
	if st != models.StatusSearching && st != models.StatusCollecting {
		return models.ResponseAck{}, ErrRequestAlreadyHandled
	}
	active, err := e.state.IsActive(ctx, requestID, providerID)
	if err != nil {
		return models.ResponseAck{}, err
	}
	if !active {
		return models.ResponseAck{}, ErrNotAuthorized
	}

	if !accepted {
		return e.handleRejection(ctx, requestID, providerID, requesterID, st)
	}
	return e.handleAcceptance(ctx, requestID, providerID, requesterID, st)
}

func (e *Engine) handleRejection(ctx context.Context, requestID, providerID, requesterID string, st models.Status) (models.ResponseAck, error) {
	remaining, err := e.state.RemoveActive(ctx, requestID, providerID)
	if err != nil {
		return models.ResponseAck{}, err
	}
	if remaining == 0 {
		accs, err := e.state.Acceptances(ctx, requestID)
		if err != nil && !errors.Is(err, state.ErrNoRound) {
			return models.ResponseAck{}, err
		}
		if len(accs) == 0 {
			e.transitionNoProvider(ctx, requestID, requesterID)
			return models.ResponseAck{Status: models.StatusNoProvider, Message: "rejection recorded; no providers left"}, nil
		}
		// everyone has responded, no need to wait out the window
		if err := e.finalizeCollection(ctx, requestID); err != nil {
			e.logger.Error("early finalize failed", "request_id", requestID, "error", err)
		}
	}
	return models.ResponseAck{Status: st, Message: "rejection recorded"}, nil
}

func (e *Engine) handleAcceptance(ctx context.Context, requestID, providerID, requesterID string, st models.Status) (models.ResponseAck, error) {
	if st == models.StatusSearching {
		deadline := time.Now().Add(e.cfg.CollectionWindow)
		won, err := e.state.BeginCollection(ctx, requestID, requesterID, deadline)
		if errors.Is(err, state.ErrRoundClosed) || errors.Is(err, state.ErrNoRound) {
			return models.ResponseAck{}, ErrRequestAlreadyHandled
		}
		if err != nil {
			return models.ResponseAck{}, err
		}
		if won {
			id := requestID
			time.AfterFunc(e.cfg.CollectionWindow, func() {
				if err := e.finalizeCollection(context.Background(), id); err != nil {
					e.logger.Error("finalize failed", "request_id", id, "error", err)
				}
			})
		}
	}

	dist, ok, err := e.candidateDistance(ctx, requestID, providerID)
	if err != nil {
		return models.ResponseAck{}, err
	}
	if !ok {
		return models.ResponseAck{}, ErrNotAuthorized
	}
	if err := e.state.AddAcceptance(ctx, requestID, models.Acceptance{
		ProviderID: providerID,
		DistanceM:  dist,
		At:         time.Now(),
	}); err != nil {
		return models.ResponseAck{}, err
	}
	observability.Acceptances.Inc()

	remaining, err := e.state.RemoveActive(ctx, requestID, providerID)
	if err != nil {
		return models.ResponseAck{}, err
	}
	if remaining == 0 {
		if err := e.finalizeCollection(ctx, requestID); err != nil {
			e.logger.Error("early finalize failed", "request_id", requestID, "error", err)
		}
	}
	return models.ResponseAck{Status: models.StatusCollecting, Message: "acceptance recorded"}, nil
}

// VerifyArrival consumes the request's verification code and moves the
// durable record to IN_PROGRESS.
func (e *Engine) VerifyArrival(ctx context.Context, requestID, providerID, code string) error {
	if err := e.codes.Verify(ctx, requestID, providerID, code); err != nil {
		return err
	}
	if err := e.requests.SetVerified(ctx, requestID); err != nil {
		return fmt.Errorf("record verification: %w", err)
	}
	return nil
}

// finalizeCollection closes a collecting round: under the request lock it
// re-confirms status, picks the nearest acceptance (earliest wins ties),
// issues the verification code, commits the provider, and fans out the
// outcome. Safe to call any number of times from any path.
func (e *Engine) finalizeCollection(ctx context.Context, requestID string) error {
	locked, err := e.state.TryLock(ctx, requestID, e.cfg.FinalizeLockTTL)
	if err != nil {
		return err
	}
	if !locked {
		return nil // another worker owns the finalize
	}
	defer func() { _ = e.state.Unlock(ctx, requestID) }()

	st, err := e.state.Status(ctx, requestID)
	if errors.Is(err, state.ErrNoRound) {
		return nil
	}
	if err != nil {
		return err
	}
	if st != models.StatusCollecting {
		return nil // already resolved
	}

	requesterID, err := e.state.Requester(ctx, requestID)
	if err != nil {
		return err
	}
	accs, err := e.state.Acceptances(ctx, requestID)
	if err != nil {
		return err
	}
	if len(accs) == 0 {
		e.transitionNoProvider(ctx, requestID, requesterID)
		return nil
	}

	sort.Slice(accs, func(i, j int) bool {
		if accs[i].DistanceM != accs[j].DistanceM {
			return accs[i].DistanceM < accs[j].DistanceM
		}
		return accs[i].At.Before(accs[j].At)
	})
	winner := accs[0]

	winnerLoc, _, err := e.candidateLocation(ctx, requestID, winner.ProviderID)
	if err != nil {
		return err
	}
	attempts, err := e.state.Attempts(ctx, requestID)
	if err != nil {
		attempts = 1
	}

	// acceptance is not complete without a verification code; leaving the
	// round COLLECTING lets the sweep retry the whole finalize
	code, err := e.codes.Issue(ctx, requestID, winner.ProviderID, requesterID)
	if err != nil {
		return fmt.Errorf("issue verification code: %w", err)
	}

	if err := e.state.SetAccepted(ctx, requestID); err != nil {
		return err
	}

	// the chosen provider stands even if the durable write fails; the
	// record is repaired out-of-band
	var persistErr error
	if err := e.requests.BindProvider(ctx, requestID, winner.ProviderID, winnerLoc, attempts); err != nil {
		persistErr = fmt.Errorf("bind provider: %w", err)
		e.logger.Error("provider binding write failed", "request_id", requestID, "provider_id", winner.ProviderID, "error", err)
	}

	e.holdVisitingCharge(ctx, requestID, requesterID)

	e.notifier.NotifyProvider(ctx, winner.ProviderID, notify.EventAccepted, acceptedPayload{
		RequestID: requestID,
		DistanceM: winner.DistanceM,
	})
	e.notifier.NotifyRequester(ctx, requesterID, notify.EventStatus, acceptedStatusPayload{
		RequestID:  requestID,
		Status:     models.StatusAccepted,
		ProviderID: winner.ProviderID,
		Code:       code,
	})
	for _, a := range accs[1:] {
		e.notifier.NotifyProvider(ctx, a.ProviderID, notify.EventUnavailable, statusPayload(requestID, models.StatusAccepted))
	}
	if stillActive, err := e.state.ActiveProviders(ctx, requestID); err == nil {
		for _, id := range stillActive {
			e.notifier.NotifyProvider(ctx, id, notify.EventUnavailable, statusPayload(requestID, models.StatusAccepted))
		}
	}

	observability.RequestsAccepted.Inc()
	observability.CollectionWindowSeconds.Observe(time.Since(winner.At).Seconds())
	if err := e.state.ClearRound(ctx, requestID, e.cfg.AuditTTL); err != nil {
		e.logger.Warn("round cleanup failed", "request_id", requestID, "error", err)
	}
	e.logger.Info("request accepted", "request_id", requestID, "provider_id", winner.ProviderID, "distance_m", winner.DistanceM, "acceptances", len(accs))
	return persistErr
}

// transitionNoProvider ends the round without a provider. The CAS inside
// MarkNoProvider makes the requester notification exactly-once.
func (e *Engine) transitionNoProvider(ctx context.Context, requestID, requesterID string) {
	did, err := e.state.MarkNoProvider(ctx, requestID)
	if err != nil && !errors.Is(err, state.ErrNoRound) {
		e.logger.Error("no-provider transition failed", "request_id", requestID, "error", err)
		return
	}
	if !did {
		return
	}
	attempts, err := e.state.Attempts(ctx, requestID)
	if err != nil {
		attempts = 1
	}
	if err := e.requests.UpdateStatus(ctx, requestID, models.StatusNoProvider, attempts); err != nil {
		e.logger.Error("no-provider record update failed", "request_id", requestID, "error", err)
	}
	e.notifier.NotifyRequester(ctx, requesterID, notify.EventStatus, statusPayload(requestID, models.StatusNoProvider))
	observability.RequestsNoProvider.Inc()
	if err := e.state.ClearRound(ctx, requestID, e.cfg.AuditTTL); err != nil {
		e.logger.Warn("round cleanup failed", "request_id", requestID, "error", err)
	}
	e.logger.Info("no provider found", "request_id", requestID, "attempts", attempts)
}

// checkRoundTimeout fires at the overall round deadline. A round that made
// it to COLLECTING is owned by the window timer and the sweep.
func (e *Engine) checkRoundTimeout(ctx context.Context, requestID, requesterID string) {
	st, err := e.state.Status(ctx, requestID)
	if err != nil || st != models.StatusSearching {
		return
	}
	e.transitionNoProvider(ctx, requestID, requesterID)
}

// RunSweeper periodically finalizes rounds whose collection window expired
// without their timer firing. Redundant with the per-request timer on
// purpose; finalize tolerates both firing.
func (e *Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SweepOnce(ctx, time.Now())
		}
	}
}

// SweepOnce finalizes every round collecting past its deadline as of now.
func (e *Engine) SweepOnce(ctx context.Context, now time.Time) {
	ids, err := e.state.ExpiredCollections(ctx, now)
	if err != nil {
		e.logger.Error("sweep scan failed", "error", err)
		return
	}
	for _, id := range ids {
		if err := e.finalizeCollection(ctx, id); err != nil {
			e.logger.Error("sweep finalize failed", "request_id", id, "error", err)
		}
	}
}

func (e *Engine) holdVisitingCharge(ctx context.Context, requestID, requesterID string) {
	if e.payments == nil {
		return
	}
	r, err := e.requests.FindRequestByID(ctx, requestID)
	if err != nil {
		e.logger.Warn("charge hold skipped", "request_id", requestID, "error", err)
		return
	}
	var cents int64
	for _, s := range r.Services {
		cents += int64(s.VisitingCharge * 100)
	}
	if cents <= 0 {
		return
	}
	if _, err := e.payments.Hold(ctx, cents, "usd", requesterID); err != nil {
		e.logger.Warn("charge hold failed", "request_id", requestID, "error", err)
	}
}

func (e *Engine) candidateDistance(ctx context.Context, requestID, providerID string) (float64, bool, error) {
	cands, err := e.state.Candidates(ctx, requestID)
	if errors.Is(err, state.ErrNoRound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	for _, c := range cands {
		if c.ProviderID == providerID {
			return c.DistanceM, true, nil
		}
	}
	return 0, false, nil
}

func (e *Engine) candidateLocation(ctx context.Context, requestID, providerID string) (models.Coord, bool, error) {
	cands, err := e.state.Candidates(ctx, requestID)
	if err != nil {
		return models.Coord{}, false, err
	}
	for _, c := range cands {
		if c.ProviderID == providerID {
			return c.Loc, true, nil
		}
	}
	return models.Coord{}, false, nil
}

type offerPayload struct {
	RequestID   string               `json:"request_id"`
	RequesterID string               `json:"requester_id"`
	DistanceM   float64              `json:"distance_m"`
	Services    []models.ServiceItem `json:"services"`
}

type acceptedPayload struct {
	RequestID string  `json:"request_id"`
	DistanceM float64 `json:"distance_m"`
}

type acceptedStatusPayload struct {
	RequestID  string        `json:"request_id"`
	Status     models.Status `json:"status"`
	ProviderID string        `json:"provider_id"`
	Code       string        `json:"code"`
}

func statusPayload(requestID string, st models.Status) map[string]any {
	return map[string]any{"request_id": requestID, "status": st}
}

func validCoord(c models.Coord) error {
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: lat=%f lon=%f", ErrValidation, c.Lat, c.Lon)
	}
	return nil
}
