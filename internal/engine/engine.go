package engine

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Dispatcher pushes a committed assignment to the driver's device.
type Dispatcher interface {
	Offer(driverID string, a models.Assignment) error
}

// Payments is the manual-capture flow: hold funds when the ride is
// accepted, capture on completion, release the hold on cancellation.
type Payments interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, holdID string) error
	Cancel(ctx context.Context, holdID string) error
}

// ETAClient estimates pickup travel time, e.g. via OSRM.
type ETAClient interface {
	EstimateSeconds(from, to models.Coord) (float64, error)
}

// Engine pairs idle drivers with pending orders. Matching is incremental
// and event-driven: it runs on every driver location report and on every
// order submission, never from a background sweep. All optional
// collaborators (Dispatch, Payments, Archive, ETA) are best-effort and
// never affect matching correctness.
type Engine struct {
	store    *storage.Store
	registry *Registry
	logger   *slog.Logger

	Dispatch Dispatcher
	Payments Payments
	Archive  storage.OrderArchive
	ETA      ETAClient

	DefaultSpeedMps float64
	BaseFareCents   int64
	Currency        string
}

func New(store *storage.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:           store,
		registry:        NewRegistry(),
		logger:          logger,
		DefaultSpeedMps: 10,
		BaseFareCents:   500,
		Currency:        "usd",
	}
}

// Registry exposes the pairing table, mainly for invariant checks in tests.
func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) CreateDriver(loc *models.Coord) models.Driver {
	d := e.store.CreateDriver(loc)
	observability.DriversOnline.Inc()
	return d
}

// ReportLocation updates the driver's position and attempts a match. The
// returned assignment reflects the driver's current pairing after the
// attempt, whether or not this particular call produced it; nil means the
// driver is still idle, which is the normal steady state for a polling
// driver with nothing nearby.
func (e *Engine) ReportLocation(driverID string, loc models.Coord) (*models.Assignment, error) {
	d, ok := e.store.UpdateDriverLocation(driverID, loc)
	if !ok {
		return nil, ErrNotFound
	}
	if orderID, busy := e.registry.OrderFor(d.ID); busy {
		return e.assignment(d, orderID), nil
	}
	start := time.Now()
	e.matchDriver(d)
	observability.MatchLatency.Observe(time.Since(start).Seconds())
	if orderID, busy := e.registry.OrderFor(d.ID); busy {
		return e.assignment(d, orderID), nil
	}
	return nil, nil
}

// SubmitOrder creates the order and, when it is immediately eligible,
// tries an opportunistic match right away. Correctness does not depend on
// this: the next driver poll would discover the order anyway.
func (e *Engine) SubmitOrder(uid string, loc models.Coord, pickup *time.Time) models.Order {
	o := e.store.CreateOrder(uid, loc, pickup)
	observability.OrdersCreated.Inc()
	e.logger.Info("order created", "order_id", o.ID, "uid", uid, "scheduled", pickup != nil)
	if Eligible(o, false, time.Now()) {
		e.matchOrder(o)
	}
	if cur, ok := e.store.Order(o.ID); ok {
		return cur
	}
	return o
}

func (e *Engine) GetOrder(orderID string) (models.Order, error) {
	o, ok := e.store.Order(orderID)
	if !ok {
		return models.Order{}, ErrNotFound
	}
	return o, nil
}

func (e *Engine) GetDriver(driverID string) (models.Driver, error) {
	d, ok := e.store.Driver(driverID)
	if !ok {
		return models.Driver{}, ErrNotFound
	}
	return d, nil
}

// UpdateOrderStatus drives the client-visible part of the state machine.
// Status swaps are CAS operations in the store, so concurrent transition
// requests on one order serialize and exactly one wins.
func (e *Engine) UpdateOrderStatus(ctx context.Context, orderID string, target models.OrderStatus) (models.Order, error) {
	o, ok := e.store.Order(orderID)
	if !ok {
		return models.Order{}, ErrNotFound
	}

	switch target {
	case models.StatusAccepted:
		if !o.Status.Pending() {
			return o, ErrInvalidTransition
		}
		if _, assigned := e.registry.DriverFor(orderID); !assigned {
			return o, ErrNoAssignment
		}
		upd, ok := e.store.CASOrderStatus(orderID, models.TransitionSources(target), models.StatusAccepted)
		if !ok {
			return upd, ErrInvalidTransition
		}
		e.holdPayment(ctx, upd)
		return upd, nil

	case models.StatusInProgress:
		upd, ok := e.store.CASOrderStatus(orderID, models.TransitionSources(target), models.StatusInProgress)
		if !ok {
			return upd, ErrInvalidTransition
		}
		return upd, nil

	case models.StatusCompleted:
		// rider apps complete assigned rides straight from a pending or
		// accepted status; only a pending order needs the assignment check
		if o.Status.Pending() {
			if _, assigned := e.registry.DriverFor(orderID); !assigned {
				return o, ErrNoAssignment
			}
		}
		upd, ok := e.store.CASOrderStatus(orderID, models.TransitionSources(target), models.StatusCompleted)
		if !ok {
			return upd, ErrInvalidTransition
		}
		e.releaseOrder(orderID)
		e.capturePayment(ctx, upd)
		e.archiveOrder(upd)
		observability.OrdersCompleted.Inc()
		return upd, nil

	case models.StatusCanceled:
		upd, ok := e.store.CASOrderStatus(orderID, models.TransitionSources(target), models.StatusCanceled)
		if !ok {
			return upd, ErrInvalidTransition
		}
		e.releaseOrder(orderID)
		e.cancelPayment(ctx, upd)
		e.archiveOrder(upd)
		return upd, nil

	default:
		// "new" and "processing" are not client-settable targets.
		return o, ErrInvalidTransition
	}
}

func (e *Engine) CancelOrder(ctx context.Context, orderID string) (models.Order, error) {
	return e.UpdateOrderStatus(ctx, orderID, models.StatusCanceled)
}

func (e *Engine) CompleteOrder(ctx context.Context, orderID string) (models.Order, error) {
	return e.UpdateOrderStatus(ctx, orderID, models.StatusCompleted)
}

// ResetDrivers and ResetOrders exist for test isolation only. Pairings are
// meaningless once either population is gone, so the registry is cleared
// along with the store.
func (e *Engine) ResetDrivers() {
	e.store.ResetDrivers()
	e.registry.Reset()
	observability.DriversOnline.Set(0)
}

func (e *Engine) ResetOrders() {
	e.store.ResetOrders()
	e.registry.Reset()
}

type candidate struct {
	order models.Order
	dist  float64
}

// matchDriver scans eligible orders and keeps those for which this driver
// is the closest among all located idle drivers. Eligibility for a
// (driver, order) pair requires distance-minimality for the order, not
// mere acceptability to the polling driver: otherwise an incremental,
// one-driver-at-a-time engine would hand orders to drivers while a closer
// idle driver exists.
func (e *Engine) matchDriver(d models.Driver) {
	now := time.Now()
	idle := e.idleLocatedDrivers()

	var cands []candidate
	for _, o := range e.store.Orders() {
		_, assigned := e.registry.DriverFor(o.ID)
		if !Eligible(o, assigned, now) {
			continue
		}
		mine := geo.DistSq(d.Loc, o.Loc)
		closest := true
		for _, other := range idle {
			if other.ID == d.ID {
				continue
			}
			if geo.DistSq(other.Loc, o.Loc) < mine {
				closest = false
				break
			}
		}
		if closest {
			cands = append(cands, candidate{order: o, dist: mine})
		}
	}

	// nearest first, FIFO among equals
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		return cands[i].order.Seq < cands[j].order.Seq
	})

	for _, c := range cands {
		if err := e.commit(d, c.order); err == nil {
			return
		}
		// conflict: a concurrent commit won this order, try the next
	}
}

// matchOrder is the submit-time mirror of matchDriver: walk idle drivers
// from nearest to farthest and commit the first that is still free.
func (e *Engine) matchOrder(o models.Order) {
	idle := e.idleLocatedDrivers()
	sort.Slice(idle, func(i, j int) bool {
		di := geo.DistSq(idle[i].Loc, o.Loc)
		dj := geo.DistSq(idle[j].Loc, o.Loc)
		if di != dj {
			return di < dj
		}
		return idle[i].Seq < idle[j].Seq
	})
	for _, d := range idle {
		if err := e.commit(d, o); err == nil {
			return
		}
	}
}

func (e *Engine) idleLocatedDrivers() []models.Driver {
	all := e.store.Drivers()
	idle := all[:0]
	for _, d := range all {
		if !d.HasLoc {
			continue
		}
		if _, busy := e.registry.OrderFor(d.ID); busy {
			continue
		}
		idle = append(idle, d)
	}
	return idle
}

// commit is the single place an assignment is created. The transient
// "processing" marker around the attempt is best-effort: observers may
// see either "new" or "processing" while an order waits for a driver.
func (e *Engine) commit(d models.Driver, o models.Order) error {
	_, marked := e.store.CASOrderStatus(o.ID, []models.OrderStatus{models.StatusNew}, models.StatusProcessing)
	revert := func() {
		if marked {
			e.store.CASOrderStatus(o.ID, []models.OrderStatus{models.StatusProcessing}, models.StatusNew)
		}
	}

	if err := e.registry.TryAssign(d.ID, o.ID); err != nil {
		revert()
		observability.AssignConflicts.Inc()
		return err
	}

	// The order may have gone terminal between the snapshot and the
	// commit; back out rather than pair a driver with a dead order.
	if cur, ok := e.store.Order(o.ID); !ok || cur.Status.Terminal() {
		e.registry.Release(d.ID, o.ID)
		revert()
		return ErrConflict
	}
	revert()

	e.store.MarkDriverAssigned(d.ID)
	observability.AssignmentsTotal.Inc()
	e.logger.Info("assignment committed", "driver_id", d.ID, "order_id", o.ID)

	if e.Dispatch != nil {
		if a := e.assignment(d, o.ID); a != nil {
			if err := e.Dispatch.Offer(d.ID, *a); err != nil {
				e.logger.Warn("assignment push failed", "driver_id", d.ID, "error", err)
			}
		}
	}
	return nil
}

// releaseOrder frees the order's driver, if any. Safe to call when no
// assignment exists.
func (e *Engine) releaseOrder(orderID string) {
	if driverID, ok := e.registry.DriverFor(orderID); ok {
		e.registry.Release(driverID, orderID)
		e.logger.Info("assignment released", "driver_id", driverID, "order_id", orderID)
	}
}

func (e *Engine) assignment(d models.Driver, orderID string) *models.Assignment {
	a := &models.Assignment{DriverID: d.ID, OrderID: orderID}
	if o, ok := e.store.Order(orderID); ok && d.HasLoc {
		a.ETASeconds = e.etaSeconds(d.Loc, o.Loc)
	}
	return a
}

func (e *Engine) etaSeconds(from, to models.Coord) float64 {
	if e.ETA != nil {
		if v, err := e.ETA.EstimateSeconds(from, to); err == nil {
			return v
		}
	}
	return eta.EstimateSeconds(from, to, e.DefaultSpeedMps)
}

func (e *Engine) holdPayment(ctx context.Context, o models.Order) {
	if e.Payments == nil {
		return
	}
	holdID, err := e.Payments.Hold(ctx, e.BaseFareCents, e.Currency, o.UID)
	if err != nil {
		e.logger.Warn("payment hold failed", "order_id", o.ID, "error", err)
		return
	}
	e.store.SetOrderPaymentHold(o.ID, holdID)
}

func (e *Engine) capturePayment(ctx context.Context, o models.Order) {
	if e.Payments == nil || o.PaymentHoldID == "" {
		return
	}
	if err := e.Payments.Capture(ctx, o.PaymentHoldID); err != nil {
		e.logger.Warn("payment capture failed", "order_id", o.ID, "error", err)
	}
}

func (e *Engine) cancelPayment(ctx context.Context, o models.Order) {
	if e.Payments == nil || o.PaymentHoldID == "" {
		return
	}
	if err := e.Payments.Cancel(ctx, o.PaymentHoldID); err != nil {
		e.logger.Warn("payment release failed", "order_id", o.ID, "error", err)
	}
}

func (e *Engine) archiveOrder(o models.Order) {
	if e.Archive == nil {
		return
	}
	if err := e.Archive.ArchiveOrder(o); err != nil {
		e.logger.Warn("order archive failed", "order_id", o.ID, "error", err)
	}
}
