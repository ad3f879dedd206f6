package geo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/example/nearby-dispatch/internal/models"
)

const earthRadiusM = 6371000.0

// Geo is the presence/geospatial index contract shared by the tracking
// service and the dispatch engine.
type Geo interface {
	// Upsert writes a provider's presence (coordinate plus metadata) and
	// keeps it alive for ttl. A zero ttl means no expiry.
	Upsert(ctx context.Context, p models.Presence, ttl time.Duration) error
	// Get returns the live presence entry, if any.
	Get(ctx context.Context, providerID string) (models.Presence, bool, error)
	// Remove drops the provider from the index and deletes its metadata.
	Remove(ctx context.Context, providerID string) error
	// Nearby returns providers within radiusM meters of loc, nearest first.
	Nearby(ctx context.Context, loc models.Coord, radiusM float64, limit int) ([]models.Candidate, error)
	// Distance returns meters between two coordinates using the store's
	// native computation where available. Implementations fall back to
	// Haversine; the two paths agree within 0.1% relative error.
	Distance(ctx context.Context, a, b models.Coord) (float64, error)
}

// Index is an in-memory Geo for local runs and tests.
type Index struct {
	mu       sync.RWMutex
	presence map[string]entry
}

type entry struct {
	p         models.Presence
	expiresAt time.Time
}

func NewIndex() *Index {
	return &Index{presence: make(map[string]entry)}
}

func (g *Index) Upsert(_ context.Context, p models.Presence, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	g.presence[p.ProviderID] = entry{p: p, expiresAt: exp}
	return nil
}

func (g *Index) Get(_ context.Context, providerID string) (models.Presence, bool, error) {
	g.mu.RLock()
	e, ok := g.presence[providerID]
	g.mu.RUnlock()
	if !ok {
		return models.Presence{}, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		g.mu.Lock()
		delete(g.presence, providerID)
		g.mu.Unlock()
		return models.Presence{}, false, nil
	}
	return e.p, true, nil
}

func (g *Index) Remove(_ context.Context, providerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.presence, providerID)
	return nil
}

// naive scan; redis GEOSEARCH covers the production path
func (g *Index) Nearby(_ context.Context, loc models.Coord, radiusM float64, limit int) ([]models.Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	now := time.Now()
	arr := make([]models.Candidate, 0, len(g.presence))
	for _, e := range g.presence {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			continue
		}
		d := Haversine(loc, e.p.Loc)
		if d > radiusM {
			continue
		}
		arr = append(arr, models.Candidate{ProviderID: e.p.ProviderID, DistanceM: d, Loc: e.p.Loc})
	}
	// partial selection sort for top-N
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if arr[j].DistanceM < arr[minIdx].DistanceM {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	return arr[:n], nil
}

// Distance uses the spherical law of cosines as the index-native path so it
// cross-checks the Haversine fallback the same way GEODIST does in redis.
func (g *Index) Distance(_ context.Context, a, b models.Coord) (float64, error) {
	la1, la2 := a.Lat*math.Pi/180, b.Lat*math.Pi/180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	x := math.Sin(la1)*math.Sin(la2) + math.Cos(la1)*math.Cos(la2)*math.Cos(dLon)
	if x > 1 {
		x = 1
	} else if x < -1 {
		x = -1
	}
	return earthRadiusM * math.Acos(x), nil
}

// Haversine is the documented fallback distance in meters.
func Haversine(a, b models.Coord) float64 {
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*math.Pi/180)*math.Cos(b.Lat*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusM * c
}
