package geo

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/example/nearby-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	if d := Haversine(models.Coord{}, models.Coord{}); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// one degree of latitude is ~111.19 km
	a := models.Coord{Lat: 0, Lon: 0}
	b := models.Coord{Lat: 1, Lon: 0}
	d := Haversine(a, b)
	if d < 111000 || d > 111400 {
		t.Fatalf("unexpected distance %f", d)
	}
}

func TestDistanceAgreesWithHaversine(t *testing.T) {
	idx := NewIndex()
	cases := []struct {
		name string
		a, b models.Coord
	}{
		{"equator", models.Coord{Lat: 0, Lon: 10}, models.Coord{Lat: 0.4, Lon: 10.6}},
		{"mid latitude", models.Coord{Lat: 48.85, Lon: 2.35}, models.Coord{Lat: 48.2, Lon: 3.1}},
		{"near pole", models.Coord{Lat: 89.2, Lon: 30}, models.Coord{Lat: 88.9, Lon: 32}},
		{"antimeridian", models.Coord{Lat: -12, Lon: 179.9}, models.Coord{Lat: -12.1, Lon: -179.8}},
		{"southern", models.Coord{Lat: -33.86, Lon: 151.2}, models.Coord{Lat: -33.9, Lon: 151.3}},
	}
	for _, tc := range cases {
		native, err := idx.Distance(context.Background(), tc.a, tc.b)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		ref := Haversine(tc.a, tc.b)
		if ref == 0 {
			t.Fatalf("%s: degenerate reference", tc.name)
		}
		if rel := math.Abs(native-ref) / ref; rel > 0.001 {
			t.Fatalf("%s: native=%f haversine=%f rel=%f", tc.name, native, ref, rel)
		}
	}
}

func TestNearbyOrderedAndBounded(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	seed := map[string]models.Coord{
		"p-far":  {Lat: 0.05, Lon: 0},   // ~5.6 km
		"p-near": {Lat: 0.001, Lon: 0},  // ~111 m
		"p-mid":  {Lat: 0.01, Lon: 0},   // ~1.1 km
		"p-out":  {Lat: 0.5, Lon: 0.5},  // far outside 10 km
	}
	for id, loc := range seed {
		if err := idx.Upsert(ctx, models.Presence{ProviderID: id, Loc: loc}, 0); err != nil {
			t.Fatal(err)
		}
	}
	got, err := idx.Nearby(ctx, models.Coord{}, 10000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}
	want := []string{"p-near", "p-mid", "p-far"}
	for i, id := range want {
		if got[i].ProviderID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ProviderID)
		}
	}
	limited, err := idx.Nearby(ctx, models.Coord{}, 10000, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[0].ProviderID != "p-near" {
		t.Fatalf("limit not applied: %+v", limited)
	}
}

func TestPresenceExpires(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	if err := idx.Upsert(ctx, models.Presence{ProviderID: "p1"}, 10*time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := idx.Get(ctx, "p1"); !ok {
		t.Fatal("expected presence before expiry")
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok, _ := idx.Get(ctx, "p1"); ok {
		t.Fatal("expected presence to expire")
	}
}
