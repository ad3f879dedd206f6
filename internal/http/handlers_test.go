package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/example/nearby-dispatch/internal/engine"
	"github.com/example/nearby-dispatch/internal/geo"
	"github.com/example/nearby-dispatch/internal/logging"
	"github.com/example/nearby-dispatch/internal/models"
	"github.com/example/nearby-dispatch/internal/notify"
	"github.com/example/nearby-dispatch/internal/otp"
	"github.com/example/nearby-dispatch/internal/state"
	"github.com/example/nearby-dispatch/internal/storage"
	"github.com/example/nearby-dispatch/internal/tracking"
)

func newTestServer(t *testing.T) (*Server, *storage.MemoryStore, *geo.Index) {
	t.Helper()
	logger := logging.Discard()
	g := geo.NewIndex()
	store := storage.NewMemoryStore()
	hub := notify.NewHub(notify.NewRegistry(), nil, logger)
	e := engine.New(g, state.NewMemory(), store, hub, otp.NewService(otp.NewMemoryStore()), nil, logger, engine.Config{})
	tr := &tracking.Service{Geo: g, Base: store, Resting: store, Logger: logger}
	return NewServer(e, tr, store, nil, hub.Sessions, logger), store, g
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestCreateRequestRejectsBadPayloads(t *testing.T) {
	s, _, _ := newTestServer(t)
	cases := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"missing requester", `{"services":[{"service_type":"plumbing"}],"origin":{"lat":1,"lon":2}}`},
		{"no services", `{"requester_id":"u1","services":[],"origin":{"lat":1,"lon":2}}`},
		{"bad latitude", `{"requester_id":"u1","services":[{"service_type":"plumbing"}],"origin":{"lat":95,"lon":2}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, s, "POST", "/api/v1/requests", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCreateRequestNoProvidersInRange(t *testing.T) {
	s, store, _ := newTestServer(t)
	rec := do(t, s, "POST", "/api/v1/requests",
		`{"requester_id":"u1","services":[{"service_type":"plumbing","visiting_charge":20}],"origin":{"lat":1,"lon":2}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Request   models.ServiceRequest `json:"request"`
		Searching bool                  `json:"searching"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Searching {
		t.Fatal("expected no search without providers in range")
	}
	got, err := store.FindRequestByID(context.Background(), resp.Request.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusNoProvider {
		t.Fatalf("expected NO_PROVIDER, got %s", got.Status)
	}
}

func TestGetRequestNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, "GET", "/api/v1/requests/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestProviderResponseOnUnknownRoundConflicts(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, "POST", "/api/v1/requests/r1/respond", `{"provider_id":"p1","accepted":true}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestNearbyRequiresCoordinates(t *testing.T) {
	s, _, _ := newTestServer(t)
	if rec := do(t, s, "GET", "/api/v1/providers/nearby", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := do(t, s, "GET", "/api/v1/providers/nearby?lat=1&lon=2", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestShiftStartUnknownProvider(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := do(t, s, "POST", "/api/v1/providers/p1/shift/start", `{"loc":{"lat":1,"lon":2}}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for provider without a base location, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestShiftLifecycleOverHTTP(t *testing.T) {
	s, store, g := newTestServer(t)
	store.SetBaseLocation("p1", models.Coord{Lat: 1, Lon: 2})

	rec := do(t, s, "POST", "/api/v1/providers/p1/shift/start", `{"loc":{"lat":1.001,"lon":2}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("start: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	// second start while on duty
	if rec := do(t, s, "POST", "/api/v1/providers/p1/shift/start", `{"loc":{"lat":1.001,"lon":2}}`); rec.Code != http.StatusConflict {
		t.Fatalf("restart: expected 409, got %d", rec.Code)
	}
	// direct ingest path, no kafka configured
	if rec := do(t, s, "POST", "/internal/provider/locations", `{"provider_id":"p1","loc":{"lat":1.002,"lon":2}}`); rec.Code != http.StatusNoContent {
		t.Fatalf("report: expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, s, "POST", "/api/v1/providers/p1/shift/end", ""); rec.Code != http.StatusOK {
		t.Fatalf("end: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, ok, _ := g.Get(context.Background(), "p1"); ok {
		t.Fatal("presence should be gone after shift end")
	}
}

func TestShiftStartOutsideBaseRadius(t *testing.T) {
	s, store, _ := newTestServer(t)
	store.SetBaseLocation("p1", models.Coord{Lat: 1, Lon: 2})
	// roughly 15km north of base
	rec := do(t, s, "POST", "/api/v1/providers/p1/shift/start", `{"loc":{"lat":1.135,"lon":2}}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}
