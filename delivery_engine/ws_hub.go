package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/DispatchForge/delivery_engine/alerting"
	"github.com/itskum47/DispatchForge/delivery_engine/timeline"
)

const maxWSConnections = 200

// EventHub manages websocket connections and pushes each organisation its
// recent delivery events and alerts. Single broadcaster pattern prevents N
// duplicate tickers.
type EventHub struct {
	// clients maps connection to organisation id
	clients    map[*websocket.Conn]string
	register   chan registration
	unregister chan *websocket.Conn
	alerts     chan *alerting.Alert
	mu         sync.RWMutex
	events     *timeline.Store
	logger     *log.Logger
}

type registration struct {
	conn           *websocket.Conn
	organisationID string
}

// streamFrame is the wire shape pushed to websocket clients.
type streamFrame struct {
	Type   string                   `json:"type"` // events, alert
	At     time.Time                `json:"at"`
	Events []timeline.DeliveryEvent `json:"events,omitempty"`
	Alert  *alerting.Alert          `json:"alert,omitempty"`
}

func NewEventHub(events *timeline.Store, logger *log.Logger) *EventHub {
	return &EventHub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		alerts:     make(chan *alerting.Alert, 64),
		events:     events,
		logger:     logger,
	}
}

// Run starts the hub's main loop.
func (h *EventHub) Run(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				reg.conn.Close()
				h.logger.Printf("websocket connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[reg.conn] = reg.organisationID
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Printf("websocket client registered for organisation %s. Total: %d", reg.organisationID, total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Printf("websocket client unregistered. Total: %d", total)

		case alert := <-h.alerts:
			h.broadcastAlert(alert)

		case <-ticker.C:
			h.broadcastEvents()
		}
	}
}

// Notify implements alerting.Notifier: allowed alerts are pushed to the
// organisation's connected clients.
func (h *EventHub) Notify(_ context.Context, alert *alerting.Alert) error {
	select {
	case h.alerts <- alert:
	default:
		// a slow hub never blocks the debouncer
	}
	return nil
}

// broadcastEvents pushes each organisation its recent timeline slice.
func (h *EventHub) broadcastEvents() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	orgs := make(map[string]bool)
	for _, orgID := range h.clients {
		orgs[orgID] = true
	}

	for orgID := range orgs {
		frame := streamFrame{
			Type:   "events",
			At:     time.Now().UTC(),
			Events: h.events.GetByOrganisation(orgID, 50),
		}
		h.send(orgID, frame)
	}
}

func (h *EventHub) broadcastAlert(alert *alerting.Alert) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.send(alert.OrganisationID, streamFrame{
		Type:  "alert",
		At:    time.Now().UTC(),
		Alert: alert,
	})
}

// send writes a frame to every client of one organisation. Caller holds the
// read lock.
func (h *EventHub) send(organisationID string, frame streamFrame) {
	for conn, orgID := range h.clients {
		if orgID != organisationID {
			continue
		}
		// write deadline prevents blocking on dead connections
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(frame); err != nil {
			h.logger.Printf("websocket write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *EventHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.logger.Printf("shutting down websocket hub with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]string)
}

// Register adds a new client connection.
func (h *EventHub) Register(conn *websocket.Conn, organisationID string) {
	h.register <- registration{conn: conn, organisationID: organisationID}
}

// Unregister removes a client connection.
func (h *EventHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
