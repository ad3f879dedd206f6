package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/nearby-dispatch/internal/models"
)

func initTestRound(t *testing.T, m *Memory, id string) {
	t.Helper()
	cands := []models.Candidate{
		{ProviderID: "p1", DistanceM: 100},
		{ProviderID: "p2", DistanceM: 200},
	}
	if err := m.InitRound(context.Background(), id, "u1", cands, 30*time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestBeginCollectionSingleWinner(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	initTestRound(t, m, "r1")

	const callers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := m.BeginCollection(ctx, "r1", "u1", time.Now().Add(3*time.Second))
			if err != nil {
				t.Error(err)
				return
			}
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)
	var winners int
	for w := range wins {
		if w {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", winners)
	}
	st, err := m.Status(ctx, "r1")
	if err != nil || st != models.StatusCollecting {
		t.Fatalf("expected COLLECTING, got %v err=%v", st, err)
	}
}

func TestBeginCollectionClosedRound(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	initTestRound(t, m, "r1")
	if err := m.SetAccepted(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.BeginCollection(ctx, "r1", "u1", time.Now()); err != ErrRoundClosed {
		t.Fatalf("expected ErrRoundClosed, got %v", err)
	}
}

func TestMarkNoProviderOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	initTestRound(t, m, "r1")
	did, err := m.MarkNoProvider(ctx, "r1")
	if err != nil || !did {
		t.Fatalf("first mark: did=%v err=%v", did, err)
	}
	did, err = m.MarkNoProvider(ctx, "r1")
	if err != nil || did {
		t.Fatalf("second mark should be a no-op: did=%v err=%v", did, err)
	}
}

func TestLockExcludesAndExpires(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	ok, err := m.TryLock(ctx, "r1", 20*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("expected lock acquired: %v %v", ok, err)
	}
	if ok, _ := m.TryLock(ctx, "r1", 20*time.Millisecond); ok {
		t.Fatal("second TryLock should fail while held")
	}
	time.Sleep(30 * time.Millisecond)
	if ok, _ := m.TryLock(ctx, "r1", 20*time.Millisecond); !ok {
		t.Fatal("lock should be reacquirable after TTL")
	}
}

func TestExpiredCollectionsAndClear(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	initTestRound(t, m, "r1")
	deadline := time.Now().Add(10 * time.Millisecond)
	if _, err := m.BeginCollection(ctx, "r1", "u1", deadline); err != nil {
		t.Fatal(err)
	}
	if ids, _ := m.ExpiredCollections(ctx, deadline.Add(-time.Millisecond)); len(ids) != 0 {
		t.Fatalf("not yet expired, got %v", ids)
	}
	ids, err := m.ExpiredCollections(ctx, deadline.Add(time.Millisecond))
	if err != nil || len(ids) != 1 || ids[0] != "r1" {
		t.Fatalf("expected [r1], got %v err=%v", ids, err)
	}
	if err := m.SetAccepted(ctx, "r1"); err != nil {
		t.Fatal(err)
	}
	if err := m.ClearRound(ctx, "r1", time.Minute); err != nil {
		t.Fatal(err)
	}
	// status readable during the audit window
	if st, err := m.Status(ctx, "r1"); err != nil || st != models.StatusAccepted {
		t.Fatalf("expected audited ACCEPTED, got %v err=%v", st, err)
	}
	if ids, _ := m.ExpiredCollections(ctx, time.Now().Add(time.Hour)); len(ids) != 0 {
		t.Fatalf("cleared round still sweepable: %v", ids)
	}
	if active, _ := m.ActiveProviders(ctx, "r1"); len(active) != 0 {
		t.Fatalf("active set not cleared: %v", active)
	}
}
