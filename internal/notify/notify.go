// Package notify delivers dispatch events to providers and requesters.
// Delivery is best-effort and at-most-once: the engine never waits for an
// acknowledgement before moving its own state machine forward.
package notify

import (
	"context"
	"log/slog"
)

// Event kinds sent over the wire.
const (
	EventOffer       = "request:new"
	EventAccepted    = "request:accepted"
	EventUnavailable = "request:unavailable"
	EventStatus      = "request:update"
)

// Hub routes provider events through the live websocket channel first and
// falls back to push only when the provider has no live session. The
// decision is per call and the fallback is never retried synchronously.
type Hub struct {
	Sessions *Registry
	Push     *PushClient // optional
	Logger   *slog.Logger
}

func NewHub(sessions *Registry, push *PushClient, logger *slog.Logger) *Hub {
	return &Hub{Sessions: sessions, Push: push, Logger: logger}
}

func (h *Hub) NotifyProvider(ctx context.Context, providerID, event string, payload any) {
	if h.Sessions.Online(providerChannel, providerID) {
		if err := h.Sessions.Send(providerChannel, providerID, event, payload); err == nil {
			return
		} else if h.Logger != nil {
			h.Logger.Warn("live delivery failed", "provider_id", providerID, "event", event, "error", err)
		}
	}
	if h.Push != nil {
		if err := h.Push.Send(ctx, providerID, event, payload); err != nil && h.Logger != nil {
			h.Logger.Warn("push delivery failed", "provider_id", providerID, "event", event, "error", err)
		}
	}
}

func (h *Hub) NotifyRequester(ctx context.Context, userID, event string, payload any) {
	if err := h.Sessions.Send(userChannel, userID, event, payload); err != nil && h.Logger != nil {
		h.Logger.Debug("requester not reachable", "user_id", userID, "event", event)
	}
}
