package storage

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Store is the in-memory arena of drivers and orders. Every engine owns
// its store instance, so tests run fully isolated populations. Entities
// are held by value; accessors hand out copies, mutation happens only
// under the store lock.
type Store struct {
	mu      sync.RWMutex
	seq     uint64
	drivers map[string]models.Driver
	orders  map[string]models.Order
}

func NewStore() *Store {
	return &Store{
		drivers: make(map[string]models.Driver),
		orders:  make(map[string]models.Order),
	}
}

func (s *Store) CreateDriver(loc *models.Coord) models.Driver {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	now := time.Now().UTC()
	d := models.Driver{
		ID:      newID(),
		Seq:     s.seq,
		Created: now,
		Updated: now,
	}
	if loc != nil {
		d.Loc = *loc
		d.HasLoc = true
	}
	s.drivers[d.ID] = d
	return d
}

func (s *Store) Driver(id string) (models.Driver, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.drivers[id]
	return d, ok
}

func (s *Store) UpdateDriverLocation(id string, loc models.Coord) (models.Driver, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drivers[id]
	if !ok {
		return models.Driver{}, false
	}
	d.Loc = loc
	d.HasLoc = true
	d.Updated = time.Now().UTC()
	s.drivers[id] = d
	return d, true
}

// Drivers returns a snapshot of the driver population.
func (s *Store) Drivers() []models.Driver {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Driver, 0, len(s.drivers))
	for _, d := range s.drivers {
		out = append(out, d)
	}
	return out
}

func (s *Store) CreateOrder(uid string, loc models.Coord, pickup *time.Time) models.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	now := time.Now().UTC()
	o := models.Order{
		ID:         newID(),
		UID:        uid,
		Loc:        loc,
		PickupTime: pickup,
		Status:     models.StatusNew,
		Seq:        s.seq,
		Created:    now,
		Updated:    now,
	}
	s.orders[o.ID] = o
	return o
}

func (s *Store) Order(id string) (models.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	return o, ok
}

// Orders returns a snapshot of the order population.
func (s *Store) Orders() []models.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	return out
}

// CASOrderStatus swaps the order status to "to" only if the current status
// is one of "from". It is the atomicity primitive behind every status
// transition: concurrent transition requests on the same order serialize
// here and exactly one wins.
func (s *Store) CASOrderStatus(id string, from []models.OrderStatus, to models.OrderStatus) (models.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return models.Order{}, false
	}
	matched := false
	for _, f := range from {
		if o.Status == f {
			matched = true
			break
		}
	}
	if !matched {
		return o, false
	}
	o.Status = to
	o.Updated = time.Now().UTC()
	s.orders[id] = o
	return o, true
}

func (s *Store) MarkDriverAssigned(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drivers[id]
	if !ok {
		return
	}
	d.HadOrder = true
	s.drivers[id] = d
}

func (s *Store) SetOrderPaymentHold(id, holdID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return
	}
	o.PaymentHoldID = holdID
	s.orders[id] = o
}

func (s *Store) ResetDrivers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drivers = make(map[string]models.Driver)
}

func (s *Store) ResetOrders() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = make(map[string]models.Order)
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
