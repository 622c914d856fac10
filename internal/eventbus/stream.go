package eventbus

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/sirupsen/logrus"

	"github.com/matthewbaird/rentledger/internal/event"
)

// StreamMessage is the frame written to stream clients.
type StreamMessage struct {
	Type  string             `json:"type"` // "event", "pong", "error"
	Event *event.DomainEvent `json:"event,omitempty"`
	Error string             `json:"error,omitempty"`
}

type clientMessage struct {
	Type string `json:"type"`
}

// Hub fans events out to websocket clients of the same organization. It is
// registered on the bus like any other consumer.
type Hub struct {
	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	log     logrus.FieldLogger
}

type streamClient struct {
	orgID string
	send  chan event.DomainEvent
}

// clientBuffer is how many events a slow client may fall behind before
// events are dropped for it.
const clientBuffer = 64

func NewHub(log logrus.FieldLogger) *Hub {
	return &Hub{
		clients: make(map[*streamClient]struct{}),
		log:     log.WithField("component", "stream"),
	}
}

// HandleEvent implements Handler.
func (h *Hub) HandleEvent(_ context.Context, evt event.DomainEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.orgID != evt.OrganizationID {
			continue
		}
		select {
		case c.send <- evt:
		default:
			h.log.WithField("event_id", evt.ID).Warn("stream client too slow, dropping event")
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) add(orgID string) *streamClient {
	c := &streamClient{orgID: orgID, send: make(chan event.DomainEvent, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// Serve upgrades the request and streams orgID's events until the client
// goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, orgID string) {
	// Streams outlive the server's request timeouts.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.WithError(err).Warn("websocket accept")
		return
	}
	defer conn.CloseNow()

	c := h.add(orgID)
	defer h.remove(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			var msg clientMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
					h.log.WithError(err).Debug("stream read")
				}
				return
			}
			if msg.Type == "ping" {
				h.write(ctx, conn, StreamMessage{Type: "pong"})
			} else {
				h.write(ctx, conn, StreamMessage{Type: "error", Error: "unknown message type: " + msg.Type})
			}
		}
	}()

	for {
		select {
		case evt := <-c.send:
			h.write(ctx, conn, StreamMessage{Type: "event", Event: &evt})
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, msg StreamMessage) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		h.log.WithError(err).Debug("stream write")
	}
}
