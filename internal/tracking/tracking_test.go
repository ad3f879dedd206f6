package tracking

import (
	"context"
	"errors"
	"testing"

	"github.com/example/nearby-dispatch/internal/geo"
	"github.com/example/nearby-dispatch/internal/logging"
	"github.com/example/nearby-dispatch/internal/models"
	"github.com/example/nearby-dispatch/internal/storage"
)

// failingResting rejects every durable write.
type failingResting struct{}

func (failingResting) UpsertRestingLocation(context.Context, string, models.Presence) error {
	return errors.New("db down")
}

func newTestService(t *testing.T) (*Service, *storage.MemoryStore, *geo.Index) {
	t.Helper()
	store := storage.NewMemoryStore()
	idx := geo.NewIndex()
	svc := &Service{
		Geo:     idx,
		Base:    store,
		Resting: store,
		Logger:  logging.Discard(),
	}
	return svc, store, idx
}

func TestStartShiftRadiusEnforcement(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	store.SetBaseLocation("p1", models.Coord{Lat: 0, Lon: 0})

	// ~15 km north of base
	err := svc.StartShift(ctx, "p1", models.Coord{Lat: 0.135, Lon: 0}, 5, "gps")
	if !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange at 15km, got %v", err)
	}
	// ~9 km north of base
	if err := svc.StartShift(ctx, "p1", models.Coord{Lat: 0.081, Lon: 0}, 5, "gps"); err != nil {
		t.Fatalf("expected success at 9km, got %v", err)
	}
}

func TestStartShiftAlreadyActive(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	store.SetBaseLocation("p1", models.Coord{})
	if err := svc.StartShift(ctx, "p1", models.Coord{}, 5, "gps"); err != nil {
		t.Fatal(err)
	}
	if err := svc.StartShift(ctx, "p1", models.Coord{}, 5, "gps"); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive, got %v", err)
	}
}

func TestEndShiftPersistsResting(t *testing.T) {
	ctx := context.Background()
	svc, store, idx := newTestService(t)
	store.SetBaseLocation("p1", models.Coord{})
	loc := models.Coord{Lat: 0.01, Lon: 0.01}
	if err := svc.StartShift(ctx, "p1", loc, 8, "gps"); err != nil {
		t.Fatal(err)
	}
	if err := svc.EndShift(ctx, "p1"); err != nil {
		t.Fatal(err)
	}
	rest, ok := store.RestingLocation("p1")
	if !ok || rest.Loc != loc {
		t.Fatalf("resting location not persisted: %+v ok=%v", rest, ok)
	}
	if _, ok, _ := idx.Get(ctx, "p1"); ok {
		t.Fatal("presence should be removed after shift end")
	}
	if err := svc.EndShift(ctx, "p1"); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}
}

func TestEndShiftSurvivesPersistFailure(t *testing.T) {
	ctx := context.Background()
	svc, store, idx := newTestService(t)
	svc.Resting = failingResting{}
	store.SetBaseLocation("p1", models.Coord{})
	if err := svc.StartShift(ctx, "p1", models.Coord{}, 5, "gps"); err != nil {
		t.Fatal(err)
	}
	err := svc.EndShift(ctx, "p1")
	if !errors.Is(err, ErrRestingPersist) {
		t.Fatalf("expected ErrRestingPersist, got %v", err)
	}
	// no ghost presence even when the durable write failed
	if _, ok, _ := idx.Get(ctx, "p1"); ok {
		t.Fatal("presence should be cleaned up regardless")
	}
}

func TestUpdateLocationSignificanceFilter(t *testing.T) {
	ctx := context.Background()
	svc, store, idx := newTestService(t)
	store.SetBaseLocation("p1", models.Coord{})
	start := models.Coord{Lat: 0, Lon: 0}
	if err := svc.StartShift(ctx, "p1", start, 5, "gps"); err != nil {
		t.Fatal(err)
	}
	before, _, _ := idx.Get(ctx, "p1")

	// ~0.55 m: below the 1 m floor, repeatedly
	tiny := models.Coord{Lat: 0.000005, Lon: 0}
	for i := 0; i < 3; i++ {
		moved, err := svc.UpdateLocation(ctx, "p1", tiny, 5, "gps")
		if err != nil {
			t.Fatal(err)
		}
		if moved {
			t.Fatal("sub-threshold movement should be ignored")
		}
	}
	after, _, _ := idx.Get(ctx, "p1")
	if after.Loc != before.Loc || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatal("ignored update must not touch coordinate or timestamp")
	}

	// ~55 m: above the floor
	far := models.Coord{Lat: 0.0005, Lon: 0}
	moved, err := svc.UpdateLocation(ctx, "p1", far, 5, "gps")
	if err != nil || !moved {
		t.Fatalf("expected significant move to apply: moved=%v err=%v", moved, err)
	}
	p, _, _ := idx.Get(ctx, "p1")
	if p.Loc != far {
		t.Fatalf("coordinate not updated: %+v", p.Loc)
	}
}

func TestUpdateLocationOffDutyIgnored(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	moved, err := svc.UpdateLocation(ctx, "ghost", models.Coord{Lat: 1, Lon: 1}, 5, "gps")
	if err != nil || moved {
		t.Fatalf("off-duty report must be dropped: moved=%v err=%v", moved, err)
	}
}
