package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	locBrooklyn  = models.Coord{Lon: -73.944158, Lat: 40.678178}
	locManhattan = models.Coord{Lon: -73.971249, Lat: 40.783060}
	locBoston    = models.Coord{Lon: -71.058880, Lat: 42.360082}
)

func newTestEngine() *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(storage.NewStore(), logger)
}

// runs the client-side lifecycle of an assigned order to completion
func completeOrder(t *testing.T, e *Engine, orderID string) {
	t.Helper()
	ctx := context.Background()
	for _, st := range []models.OrderStatus{models.StatusAccepted, models.StatusInProgress, models.StatusCompleted} {
		if _, err := e.UpdateOrderStatus(ctx, orderID, st); err != nil {
			t.Fatalf("transition to %s: %v", st, err)
		}
	}
}

func TestRideNow(t *testing.T) {
	e := newTestEngine()
	d := e.CreateDriver(&locBrooklyn)
	o := e.SubmitOrder("100", locManhattan, nil)

	a, err := e.ReportLocation(d.ID, locBrooklyn)
	if err != nil {
		t.Fatal(err)
	}
	if a == nil || a.OrderID != o.ID {
		t.Fatalf("expected assignment to %s, got %+v", o.ID, a)
	}
	if a.ETASeconds <= 0 {
		t.Fatalf("expected a positive pickup ETA, got %f", a.ETASeconds)
	}

	completeOrder(t, e, o.ID)

	// driver is idle again
	if _, busy := e.Registry().OrderFor(d.ID); busy {
		t.Fatal("driver still assigned after completion")
	}
}

func TestOrderBeforeDriver(t *testing.T) {
	e := newTestEngine()
	o := e.SubmitOrder("100", locManhattan, nil)

	got, err := e.GetOrder(o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Status.Pending() {
		t.Fatalf("fresh order should be pending, got %s", got.Status)
	}

	d := e.CreateDriver(&locManhattan)
	a, err := e.ReportLocation(d.ID, locManhattan)
	if err != nil {
		t.Fatal(err)
	}
	if a == nil || a.OrderID != o.ID {
		t.Fatalf("expected assignment to %s, got %+v", o.ID, a)
	}
}

func TestSubmitMatchesIdleDriverImmediately(t *testing.T) {
	e := newTestEngine()
	d := e.CreateDriver(&locBrooklyn)
	o := e.SubmitOrder("100", locBrooklyn, nil)

	if did, ok := e.Registry().DriverFor(o.ID); !ok || did != d.ID {
		t.Fatalf("expected immediate match to %s, got %q (%v)", d.ID, did, ok)
	}
}

func TestCancelFreesDriver(t *testing.T) {
	e := newTestEngine()
	d := e.CreateDriver(nil)
	o1 := e.SubmitOrder("100", locBrooklyn, nil)

	a, err := e.ReportLocation(d.ID, locBoston)
	if err != nil {
		t.Fatal(err)
	}
	if a == nil || a.OrderID != o1.ID {
		t.Fatalf("expected assignment to %s, got %+v", o1.ID, a)
	}

	if _, err := e.CancelOrder(context.Background(), o1.ID); err != nil {
		t.Fatal(err)
	}
	if _, busy := e.Registry().OrderFor(d.ID); busy {
		t.Fatal("cancel must free the driver immediately")
	}

	// freed driver picks up the next pending order
	o2 := e.SubmitOrder("101", locBrooklyn, nil)
	a, err = e.ReportLocation(d.ID, locBoston)
	if err != nil {
		t.Fatal(err)
	}
	if a == nil || a.OrderID != o2.ID {
		t.Fatalf("expected assignment to %s, got %+v", o2.ID, a)
	}
}

func TestClosestDriverWins(t *testing.T) {
	e := newTestEngine()
	far := e.CreateDriver(&locBoston)
	near := e.CreateDriver(&locManhattan)

	// schedule slightly ahead so the submit-time match does not fire and
	// the poll path decides
	pickup := time.Now().Add(150 * time.Millisecond)
	o := e.SubmitOrder("100", locBrooklyn, &pickup)
	time.Sleep(200 * time.Millisecond)

	// the far driver polls first but is not distance-minimal for the order
	a, err := e.ReportLocation(far.ID, locBoston)
	if err != nil {
		t.Fatal(err)
	}
	if a != nil {
		t.Fatalf("far driver must not win while a closer idle driver exists, got %+v", a)
	}

	a, err = e.ReportLocation(near.ID, locManhattan)
	if err != nil {
		t.Fatal(err)
	}
	if a == nil || a.OrderID != o.ID {
		t.Fatalf("expected near driver to win %s, got %+v", o.ID, a)
	}
}

func TestOneDriverManyOrdersFIFO(t *testing.T) {
	e := newTestEngine()
	o1 := e.SubmitOrder("100", locBrooklyn, nil)
	o2 := e.SubmitOrder("101", locBrooklyn, nil)
	d := e.CreateDriver(nil)

	a, err := e.ReportLocation(d.ID, locBrooklyn)
	if err != nil {
		t.Fatal(err)
	}
	if a == nil || a.OrderID != o1.ID {
		t.Fatalf("expected first-created order %s, got %+v", o1.ID, a)
	}
	completeOrder(t, e, o1.ID)

	a, err = e.ReportLocation(d.ID, locBrooklyn)
	if err != nil {
		t.Fatal(err)
	}
	if a == nil || a.OrderID != o2.ID {
		t.Fatalf("expected second order %s after completing the first, got %+v", o2.ID, a)
	}
}

func TestScheduledOrderActivatesLazily(t *testing.T) {
	e := newTestEngine()
	d := e.CreateDriver(&locBrooklyn)

	pickup := time.Now().Add(300 * time.Millisecond)
	o := e.SubmitOrder("100", locManhattan, &pickup)

	a, err := e.ReportLocation(d.ID, locManhattan)
	if err != nil {
		t.Fatal(err)
	}
	if a != nil {
		t.Fatalf("order with future pickup must not be assigned, got %+v", a)
	}
	if _, assigned := e.Registry().DriverFor(o.ID); assigned {
		t.Fatal("future-pickup order holds an assignment")
	}

	time.Sleep(400 * time.Millisecond)

	a, err = e.ReportLocation(d.ID, locManhattan)
	if err != nil {
		t.Fatal(err)
	}
	if a == nil || a.OrderID != o.ID {
		t.Fatalf("expected assignment after pickup time, got %+v", a)
	}
}

func TestAssignmentSticksAcrossPolls(t *testing.T) {
	e := newTestEngine()
	d := e.CreateDriver(&locBrooklyn)
	o := e.SubmitOrder("100", locManhattan, nil)

	for i := 0; i < 3; i++ {
		a, err := e.ReportLocation(d.ID, locBrooklyn)
		if err != nil {
			t.Fatal(err)
		}
		if a == nil || a.OrderID != o.ID {
			t.Fatalf("poll %d: expected %s, got %+v", i, o.ID, a)
		}
	}
}

func TestDirectCompletion(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	d := e.CreateDriver(&locBrooklyn)

	// straight from new, as rider apps do for short rides
	o := e.SubmitOrder("100", locBrooklyn, nil)
	if _, busy := e.Registry().OrderFor(d.ID); !busy {
		t.Fatal("expected an immediate assignment")
	}
	upd, err := e.CompleteOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("new -> completed with assignment: %v", err)
	}
	if upd.Status != models.StatusCompleted {
		t.Fatalf("status = %s", upd.Status)
	}
	if _, busy := e.Registry().OrderFor(d.ID); busy {
		t.Fatal("driver not freed by direct completion")
	}

	// from accepted, skipping in_progress
	o2 := e.SubmitOrder("101", locBrooklyn, nil)
	if _, err := e.UpdateOrderStatus(ctx, o2.ID, models.StatusAccepted); err != nil {
		t.Fatal(err)
	}
	if _, err := e.CompleteOrder(ctx, o2.ID); err != nil {
		t.Fatalf("accepted -> completed: %v", err)
	}
	if _, busy := e.Registry().OrderFor(d.ID); busy {
		t.Fatal("driver not freed after completing from accepted")
	}
}

func TestCompleteRequiresAssignmentWhilePending(t *testing.T) {
	e := newTestEngine()
	o := e.SubmitOrder("100", locBrooklyn, nil)

	if _, err := e.CompleteOrder(context.Background(), o.ID); !errors.Is(err, ErrNoAssignment) {
		t.Fatalf("expected ErrNoAssignment, got %v", err)
	}
}

func TestAcceptRequiresAssignment(t *testing.T) {
	e := newTestEngine()
	o := e.SubmitOrder("100", locBrooklyn, nil)

	_, err := e.UpdateOrderStatus(context.Background(), o.ID, models.StatusAccepted)
	if !errors.Is(err, ErrNoAssignment) {
		t.Fatalf("expected ErrNoAssignment, got %v", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	d := e.CreateDriver(&locBrooklyn)
	o := e.SubmitOrder("100", locBrooklyn, nil)
	if _, err := e.ReportLocation(d.ID, locBrooklyn); err != nil {
		t.Fatal(err)
	}

	if _, err := e.UpdateOrderStatus(ctx, o.ID, models.StatusInProgress); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("new -> in_progress: expected ErrInvalidTransition, got %v", err)
	}
	// internal states are not client-settable
	if _, err := e.UpdateOrderStatus(ctx, o.ID, models.StatusProcessing); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("-> processing: expected ErrInvalidTransition, got %v", err)
	}

	completeOrder(t, e, o.ID)

	// terminal states are immutable
	if _, err := e.UpdateOrderStatus(ctx, o.ID, models.StatusCanceled); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completed -> canceled: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := e.UpdateOrderStatus(ctx, o.ID, models.StatusAccepted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completed -> accepted: expected ErrInvalidTransition, got %v", err)
	}
}

func TestUnknownIDs(t *testing.T) {
	e := newTestEngine()
	if _, err := e.ReportLocation("nope", locBrooklyn); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := e.GetOrder("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := e.UpdateOrderStatus(context.Background(), "nope", models.StatusCanceled); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResetsClearAssignments(t *testing.T) {
	e := newTestEngine()
	d := e.CreateDriver(&locBrooklyn)
	e.SubmitOrder("100", locBrooklyn, nil)
	if _, busy := e.Registry().OrderFor(d.ID); !busy {
		t.Fatal("expected an assignment before reset")
	}

	e.ResetOrders()
	if _, busy := e.Registry().OrderFor(d.ID); busy {
		t.Fatal("order reset must clear pairings")
	}
	if _, err := e.GetDriver(d.ID); err != nil {
		t.Fatal("order reset must not touch drivers")
	}

	e.ResetDrivers()
	if _, err := e.GetDriver(d.ID); !errors.Is(err, ErrNotFound) {
		t.Fatal("driver reset must clear the driver population")
	}
}

// fakeDispatcher records pushed assignments, teacher-style.
type fakeDispatcher struct {
	mu     sync.Mutex
	offers []models.Assignment
}

func (f *fakeDispatcher) Offer(driverID string, a models.Assignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, a)
	return nil
}

func TestAssignmentIsPushed(t *testing.T) {
	e := newTestEngine()
	fd := &fakeDispatcher{}
	e.Dispatch = fd

	d := e.CreateDriver(&locBrooklyn)
	o := e.SubmitOrder("100", locManhattan, nil)

	fd.mu.Lock()
	defer fd.mu.Unlock()
	if len(fd.offers) != 1 || fd.offers[0].OrderID != o.ID || fd.offers[0].DriverID != d.ID {
		t.Fatalf("expected one push for %s/%s, got %+v", d.ID, o.ID, fd.offers)
	}
}

func TestConcurrentDispatch(t *testing.T) {
	const norders = 60
	const ndrivers = 20

	e := newTestEngine()
	loc := locManhattan

	driverIDs := make([]string, ndrivers)
	for i := range driverIDs {
		driverIDs[i] = e.CreateDriver(nil).ID
	}

	var completed int64
	var wg sync.WaitGroup

	// rider side: trickle in orders with small random pickup offsets
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < norders; i++ {
			pickup := time.Now().Add(time.Duration(rand.Intn(300)) * time.Millisecond)
			e.SubmitOrder("u", loc, &pickup)
			time.Sleep(5 * time.Millisecond)
		}
	}()

	// driver side: poll, and when assigned run the full lifecycle
	deadline := time.Now().Add(30 * time.Second)
	for _, id := range driverIDs {
		wg.Add(1)
		go func(driverID string) {
			defer wg.Done()
			ctx := context.Background()
			for atomic.LoadInt64(&completed) < norders {
				if time.Now().After(deadline) {
					return
				}
				a, err := e.ReportLocation(driverID, loc)
				if err != nil {
					t.Errorf("report: %v", err)
					return
				}
				if a == nil {
					time.Sleep(2 * time.Millisecond)
					continue
				}
				for _, st := range []models.OrderStatus{models.StatusAccepted, models.StatusInProgress, models.StatusCompleted} {
					if _, err := e.UpdateOrderStatus(ctx, a.OrderID, st); err != nil {
						t.Errorf("transition %s to %s: %v", a.OrderID, st, err)
						return
					}
				}
				atomic.AddInt64(&completed, 1)
			}
		}(id)
	}

	wg.Wait()

	if got := atomic.LoadInt64(&completed); got != norders {
		t.Fatalf("completed %d of %d orders", got, norders)
	}
	for _, o := range e.Registry().Pairs() {
		t.Errorf("pairing %s still live after all orders completed", o)
	}
	statuses := map[models.OrderStatus]int{}
	for _, o := range e.store.Orders() {
		statuses[o.Status]++
	}
	if statuses[models.StatusCompleted] != norders {
		t.Fatalf("expected %d completed orders, got %+v", norders, statuses)
	}
}

func TestNoDoubleAssignmentUnderRace(t *testing.T) {
	// many drivers at the same spot race for a single order; exactly one
	// may hold it at any instant
	e := newTestEngine()
	const ndrivers = 16

	ids := make([]string, ndrivers)
	for i := range ids {
		ids[i] = e.CreateDriver(&locBrooklyn).ID
	}
	e.SubmitOrder("100", locBrooklyn, nil)

	var wg sync.WaitGroup
	var winners int64
	for _, id := range ids {
		wg.Add(1)
		go func(driverID string) {
			defer wg.Done()
			a, err := e.ReportLocation(driverID, locBrooklyn)
			if err != nil {
				t.Errorf("report: %v", err)
				return
			}
			if a != nil {
				atomic.AddInt64(&winners, 1)
			}
		}(id)
	}
	wg.Wait()

	if w := atomic.LoadInt64(&winners); w != 1 {
		t.Fatalf("expected exactly one winner, got %d", w)
	}

	pairs := e.Registry().Pairs()
	seen := map[string]bool{}
	for _, orderID := range pairs {
		if seen[orderID] {
			t.Fatalf("order %s assigned to two drivers", orderID)
		}
		seen[orderID] = true
	}
}
