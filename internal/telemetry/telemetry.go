// Package telemetry pushes adapter events to an optional WebSocket endpoint.
// Everything here is best-effort: a missing or failing endpoint never affects
// the adapter.
package telemetry

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/faforge/go-ice-adapter/internal/util"
)

const (
	dialTimeout     = 5 * time.Second
	eventBufferSize = 64
)

// event is one telemetry record on the wire.
type event struct {
	Session string                 `json:"session"`
	Time    string                 `json:"time"`
	Name    string                 `json:"name"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
}

// Reporter is a fire-and-forget event sink. A nil Reporter is valid and
// drops everything, so callers never need to branch on whether telemetry is
// configured.
type Reporter struct {
	url     string
	session string
	events  chan event
}

// NewReporter creates a reporter for the given WebSocket URL and starts its
// writer goroutine. An empty URL returns nil.
func NewReporter(url string, playerID int, login string) *Reporter {
	if url == "" {
		return nil
	}
	r := &Reporter{
		url:     url,
		session: uuid.NewString(),
		events:  make(chan event, eventBufferSize),
	}
	go r.run()
	r.Event("adapter_started", map[string]interface{}{
		"player_id":    playerID,
		"player_login": login,
	})
	return r
}

// Event enqueues one telemetry record. Events are dropped when the buffer is
// full or the reporter is nil.
func (r *Reporter) Event(name string, fields map[string]interface{}) {
	if r == nil {
		return
	}
	ev := event{
		Session: r.session,
		Time:    time.Now().UTC().Format(time.RFC3339),
		Name:    name,
		Fields:  fields,
	}
	select {
	case r.events <- ev:
	default:
		// Telemetry must never block the adapter.
	}
}

// Close stops the reporter.
func (r *Reporter) Close() {
	if r == nil {
		return
	}
	close(r.events)
}

// run is the single writer goroutine: dial once, then drain events until the
// channel closes or a write fails.
func (r *Reporter) run() {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(r.url, nil)
	if err != nil {
		util.LogWarn("telemetry endpoint %s unreachable: %v", r.url, err)
		for range r.events {
			// Drain so Event never blocks.
		}
		return
	}
	defer conn.Close()
	util.LogDebug("telemetry connected to %s", r.url)

	for ev := range r.events {
		if err := conn.WriteJSON(ev); err != nil {
			util.LogWarn("telemetry write failed: %v", err)
			for range r.events {
			}
			return
		}
	}
}
