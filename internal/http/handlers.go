// Package httpapi exposes the dispatch engine over REST and websockets.
package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/nearby-dispatch/internal/engine"
	"github.com/example/nearby-dispatch/internal/ingest"
	"github.com/example/nearby-dispatch/internal/models"
	"github.com/example/nearby-dispatch/internal/notify"
	"github.com/example/nearby-dispatch/internal/otp"
	"github.com/example/nearby-dispatch/internal/storage"
	"github.com/example/nearby-dispatch/internal/tracking"
)

type Server struct {
	Engine   *engine.Engine
	Tracking *tracking.Service
	Store    storage.RequestStore
	Kafka    *ingest.KafkaProducer // optional; nil ingests directly
	Sessions *notify.Registry

	logger   *slog.Logger
	validate *validator.Validate
	mux      *mux.Router
}

func NewServer(e *engine.Engine, tr *tracking.Service, store storage.RequestStore, kp *ingest.KafkaProducer, sessions *notify.Registry, logger *slog.Logger) *Server {
	s := &Server{
		Engine:   e,
		Tracking: tr,
		Store:    store,
		Kafka:    kp,
		Sessions: sessions,
		logger:   logger,
		validate: validator.New(),
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/requests", s.handleCreateRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{request_id}", s.handleGetRequest).Methods("GET")
	s.mux.HandleFunc("/api/v1/requests/{request_id}/respond", s.handleProviderResponse).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{request_id}/verify", s.handleVerifyArrival).Methods("POST")
	s.mux.HandleFunc("/api/v1/providers/nearby", s.handleNearbyProviders).Methods("GET")
	s.mux.HandleFunc("/api/v1/providers/{provider_id}/shift/start", s.handleStartShift).Methods("POST")
	s.mux.HandleFunc("/api/v1/providers/{provider_id}/shift/end", s.handleEndShift).Methods("POST")
	s.mux.HandleFunc("/internal/provider/locations", s.handleLocationReport).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/provider/{provider_id}", s.handleProviderWS)
	s.mux.HandleFunc("/ws/user/{user_id}", s.handleUserWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRequestPayload struct {
	RequesterID string               `json:"requester_id" validate:"required"`
	Services    []models.ServiceItem `json:"services" validate:"required,min=1,dive"`
	Origin      coordPayload         `json:"origin" validate:"required"`
}

type coordPayload struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lon float64 `json:"lon" validate:"longitude"`
}

func (c coordPayload) coord() models.Coord { return models.Coord{Lat: c.Lat, Lon: c.Lon} }

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var p createRequestPayload
	if !s.decode(w, r, &p) {
		return
	}
	req, err := s.Engine.CreateRequest(r.Context(), p.RequesterID, p.Services, p.Origin.coord())
	if err != nil {
		s.writeError(w, err)
		return
	}
	searching, err := s.Engine.StartProviderSearch(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"request":   req,
		"searching": searching,
	})
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Store.FindRequestByID(r.Context(), mux.Vars(r)["request_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type providerResponsePayload struct {
	ProviderID  string `json:"provider_id" validate:"required"`
	RequesterID string `json:"requester_id"`
	Accepted    bool   `json:"accepted"`
}

func (s *Server) handleProviderResponse(w http.ResponseWriter, r *http.Request) {
	var p providerResponsePayload
	if !s.decode(w, r, &p) {
		return
	}
	ack, err := s.Engine.HandleProviderResponse(r.Context(), mux.Vars(r)["request_id"], p.ProviderID, p.Accepted, p.RequesterID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

type verifyPayload struct {
	ProviderID string `json:"provider_id" validate:"required"`
	Code       string `json:"code" validate:"required,len=6,numeric"`
}

func (s *Server) handleVerifyArrival(w http.ResponseWriter, r *http.Request) {
	var p verifyPayload
	if !s.decode(w, r, &p) {
		return
	}
	err := s.Engine.VerifyArrival(r.Context(), mux.Vars(r)["request_id"], p.ProviderID, p.Code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"verified": true})
}

func (s *Server) handleNearbyProviders(w http.ResponseWriter, r *http.Request) {
	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if errLat != nil || errLon != nil {
		http.Error(w, "lat and lon query parameters are required", http.StatusBadRequest)
		return
	}
	cands, err := s.Engine.FindNearbyProviders(r.Context(), models.Coord{Lat: lat, Lon: lon})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": cands, "count": len(cands)})
}

type shiftStartPayload struct {
	Loc      coordPayload `json:"loc" validate:"required"`
	Accuracy float64      `json:"accuracy" validate:"gte=0"`
	Source   string       `json:"source"`
}

func (s *Server) handleStartShift(w http.ResponseWriter, r *http.Request) {
	var p shiftStartPayload
	if !s.decode(w, r, &p) {
		return
	}
	providerID := mux.Vars(r)["provider_id"]
	err := s.Tracking.StartShift(r.Context(), providerID, p.Loc.coord(), p.Accuracy, p.Source)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider_id": providerID, "on_duty": true})
}

func (s *Server) handleEndShift(w http.ResponseWriter, r *http.Request) {
	providerID := mux.Vars(r)["provider_id"]
	err := s.Tracking.EndShift(r.Context(), providerID)
	if errors.Is(err, tracking.ErrRestingPersist) {
		// presence is gone either way; the caller should know the resting
		// position was not saved
		writeJSON(w, http.StatusOK, map[string]any{"provider_id": providerID, "on_duty": false, "warning": err.Error()})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"provider_id": providerID, "on_duty": false})
}

type locationReportPayload struct {
	ProviderID string       `json:"provider_id" validate:"required"`
	Loc        coordPayload `json:"loc" validate:"required"`
	Accuracy   float64      `json:"accuracy" validate:"gte=0"`
	Source     string       `json:"source"`
}

func (s *Server) handleLocationReport(w http.ResponseWriter, r *http.Request) {
	var p locationReportPayload
	if !s.decode(w, r, &p) {
		return
	}
	report := models.LocationReport{
		ProviderID: p.ProviderID,
		Loc:        p.Loc.coord(),
		Accuracy:   p.Accuracy,
		Source:     p.Source,
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishReport(report); err != nil {
			s.logger.Error("location publish failed", "provider_id", report.ProviderID, "error", err)
			http.Error(w, "ingest unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	// no broker configured, apply directly
	if _, err := s.Tracking.UpdateLocation(r.Context(), report.ProviderID, report.Loc, report.Accuracy, report.Source); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleProviderWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["provider_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.Sessions.AddProvider(id, conn)
}

func (s *Server) handleUserWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.Sessions.AddUser(id, conn)
}

// decode unmarshals and validates the request body, writing the 400 itself
// when either step fails.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrValidation), errors.Is(err, tracking.ErrValidation), errors.Is(err, otp.ErrInvalidCode):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, engine.ErrNotAuthorized):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, engine.ErrRequestAlreadyHandled), errors.Is(err, tracking.ErrAlreadyActive):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, tracking.ErrOutOfRange):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, otp.ErrExpired):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.Is(err, otp.ErrTooManyAttempts):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, tracking.ErrNotActive):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
