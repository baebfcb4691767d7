package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type createDriverRequest struct {
	Location *models.Coord `json:"location"`
}

type trackRequest struct {
	Location *models.Coord `json:"location"`
}

type createOrderRequest struct {
	Location *models.Coord `json:"location"`
	UID      flexID        `json:"uid"`
	Status   string        `json:"status"`
	// pickup_time is the canonical key; some clients send "time".
	PickupTime *flexTime `json:"pickup_time"`
	Time       *flexTime `json:"time"`
}

func (r createOrderRequest) pickup() *time.Time {
	if r.PickupTime != nil {
		t := time.Time(*r.PickupTime)
		return &t
	}
	if r.Time != nil {
		t := time.Time(*r.Time)
		return &t
	}
	return nil
}

type updateOrderRequest struct {
	Status string `json:"status"`
}

// flexID accepts a JSON string or number; rider ids are opaque to us.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexID(n.String())
		return nil
	}
	return fmt.Errorf("uid must be a string or number")
}

// flexTime accepts RFC3339 or a zoneless ISO-8601 timestamp, which is
// what datetime.isoformat() produces. Zoneless values are read as local
// time, matching the clients that send them.
type flexTime time.Time

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		*f = flexTime(t)
		return nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			*f = flexTime(t)
			return nil
		}
	}
	return fmt.Errorf("cannot parse time %q", s)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func nowUTC() time.Time { return time.Now().UTC() }
