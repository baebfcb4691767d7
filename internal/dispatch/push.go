package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// PushDispatcher delivers assignments websocket-first, falling back to an
// HTTP POST at the driver-app push endpoint when no socket is connected.
// Delivery is best-effort either way; drivers also learn about their
// assignment on the next location poll.
type PushDispatcher struct {
	Endpoint string
	Client   *http.Client
	WS       *WSRegistry
}

func NewPushDispatcher(endpoint string, ws *WSRegistry) *PushDispatcher {
	return &PushDispatcher{Endpoint: endpoint, Client: &http.Client{Timeout: 3 * time.Second}, WS: ws}
}

func (p *PushDispatcher) Offer(driverID string, a models.Assignment) error {
	if p.WS != nil {
		if err := p.WS.Offer(driverID, a); err == nil {
			return nil
		}
	}
	if p.Endpoint == "" {
		return ErrNoSession
	}
	b, _ := json.Marshal(map[string]any{"driver_id": driverID, "assignment": a})
	resp, err := p.Client.Post(p.Endpoint, "application/json", bytes.NewReader(b))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint status %d", resp.StatusCode)
	}
	return nil
}
