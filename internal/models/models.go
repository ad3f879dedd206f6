package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Status is the lifecycle state of a service request.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusSearching  Status = "SEARCHING"
	StatusCollecting Status = "COLLECTING"
	StatusAccepted   Status = "ACCEPTED"
	StatusNoProvider Status = "NO_PROVIDER"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further dispatch transition may happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusNoProvider, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type ServiceItem struct {
	ServiceType    string  `json:"service_type"`
	VisitingCharge float64 `json:"visiting_charge"`
}

// ServiceRequest is the durable record of one request.
type ServiceRequest struct {
	ID             string        `json:"id"`
	RequesterID    string        `json:"requester_id"`
	Services       []ServiceItem `json:"services"`
	Origin         Coord         `json:"origin"`
	Status         Status        `json:"status"`
	ProviderID     string        `json:"provider_id,omitempty"`
	ProviderLoc    *Coord        `json:"provider_loc,omitempty"`
	SearchAttempts int           `json:"search_attempts"`
	OTPVerified    bool          `json:"otp_verified"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Candidate is a provider eligible for an offer round, with its distance
// from the request origin at broadcast time.
type Candidate struct {
	ProviderID string  `json:"provider_id"`
	DistanceM  float64 `json:"distance_m"`
	Loc        Coord   `json:"loc"`
}

// Acceptance is one provider's accept collected during the window.
type Acceptance struct {
	ProviderID string    `json:"provider_id"`
	DistanceM  float64   `json:"distance_m"`
	At         time.Time `json:"at"`
}

// Presence is a provider's live on-duty location record.
type Presence struct {
	ProviderID string    `json:"provider_id"`
	Loc        Coord     `json:"loc"`
	Accuracy   float64   `json:"accuracy"`
	Source     string    `json:"source"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// LocationReport is a provider's periodic position report as it travels
// through the ingest pipeline.
type LocationReport struct {
	ProviderID string  `json:"provider_id"`
	Loc        Coord   `json:"loc"`
	Accuracy   float64 `json:"accuracy"`
	Source     string  `json:"source"`
}

// ResponseAck is returned to a provider that responded to an offer.
type ResponseAck struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}
