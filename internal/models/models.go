package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Coord is a planar coordinate pair. The wire format is a two-element
// JSON array [lon, lat], matching the mobile clients.
type Coord struct {
	Lon float64
	Lat float64
}

func (c Coord) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{c.Lon, c.Lat})
}

func (c *Coord) UnmarshalJSON(b []byte) error {
	var arr []float64
	if err := json.Unmarshal(b, &arr); err != nil {
		return err
	}
	if len(arr) != 2 {
		return fmt.Errorf("location must be [lon, lat], got %d elements", len(arr))
	}
	c.Lon, c.Lat = arr[0], arr[1]
	return nil
}

// Valid reports whether the coordinate is within longitude/latitude bounds.
func (c Coord) Valid() bool {
	return c.Lon >= -180 && c.Lon <= 180 && c.Lat >= -90 && c.Lat <= 90
}

type Driver struct {
	ID  string `json:"id"`
	Loc Coord  `json:"location"`
	// HasLoc is false until the driver reports a position for the first
	// time; such drivers are invisible to the matcher.
	HasLoc bool `json:"-"`
	// HadOrder flips on the driver's first assignment. Idle polls report
	// an explicit null order once it is set, no key at all before.
	HadOrder bool      `json:"-"`
	Seq      uint64    `json:"-"`
	Created  time.Time `json:"created_at"`
	Updated  time.Time `json:"updated_at"`
}

type Order struct {
	ID  string `json:"id"`
	UID string `json:"uid"`
	Loc Coord  `json:"location"`
	// PickupTime gates matching: nil means ride-now, a future value keeps
	// the order out of the candidate set until that time passes.
	PickupTime    *time.Time  `json:"pickup_time,omitempty"`
	Status        OrderStatus `json:"status"`
	Seq           uint64      `json:"-"`
	PaymentHoldID string      `json:"-"`
	Created       time.Time   `json:"created_at"`
	Updated       time.Time   `json:"updated_at"`
}

// Assignment is a committed driver-order pairing, as returned to the
// polling driver and pushed over the dispatch channels.
type Assignment struct {
	DriverID   string  `json:"driver_id"`
	OrderID    string  `json:"order_id"`
	ETASeconds float64 `json:"eta_seconds,omitempty"`
}

// LocationEvent is the kafka payload produced for every accepted driver
// location report and consumed by the geo mirror worker.
type LocationEvent struct {
	DriverID   string    `json:"driver_id"`
	Location   Coord     `json:"location"`
	ReportedAt time.Time `json:"reported_at"`
}
