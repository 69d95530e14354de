package fanout

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/kwld/twitch-bridge/internal/metrics"
)

const (
	commandTimeout = 5 * time.Second
	stopTimeout    = 10 * time.Second
)

type serviceClients map[*websocket.Conn]*clientWriter

type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type registerCmd struct {
	baseHubCmd
	serviceID    uuid.UUID
	connection   *websocket.Conn
	errorChannel chan error
}

type unregisterCmd struct {
	baseHubCmd
	serviceID  uuid.UUID
	connection *websocket.Conn
}

type publishCmd struct {
	baseHubCmd
	serviceID    uuid.UUID
	data         []byte
	replyChannel chan int
}

type clientCountCmd struct {
	baseHubCmd
	serviceID    uuid.UUID
	replyChannel chan int
}

type stopCmd struct {
	baseHubCmd
}

// Hub owns every downstream WebSocket connection, grouped by service
// account. All state lives inside the run goroutine; callers talk to it
// through commands. A connection with a full send queue loses its oldest
// frame and stays connected.
type Hub struct {
	cmdCh                chan hubCmd
	clock                clockwork.Clock
	clients              map[uuid.UUID]serviceClients
	maxClientsPerService int
	done                 chan struct{}
}

func NewHub(clock clockwork.Clock, maxClientsPerService int) *Hub {
	h := &Hub{
		cmdCh:                make(chan hubCmd, 256),
		clock:                clock,
		clients:              make(map[uuid.UUID]serviceClients),
		maxClientsPerService: maxClientsPerService,
		done:                 make(chan struct{}),
	}
	go h.run()
	return h
}

// Register adds a downstream connection for a service.
func (h *Hub) Register(serviceID uuid.UUID, conn *websocket.Conn) error {
	errCh := make(chan error, 1)
	h.cmdCh <- registerCmd{serviceID: serviceID, connection: conn, errorChannel: errCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return err
	case <-timer.Chan():
		return fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

// Unregister removes a downstream connection.
func (h *Hub) Unregister(serviceID uuid.UUID, conn *websocket.Conn) {
	h.cmdCh <- unregisterCmd{serviceID: serviceID, connection: conn}
}

// Publish enqueues data to every connection of the service and returns how
// many connections received it.
func (h *Hub) Publish(serviceID uuid.UUID, data []byte) int {
	replyCh := make(chan int, 1)
	h.cmdCh <- publishCmd{serviceID: serviceID, data: data, replyChannel: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case n := <-replyCh:
		return n
	case <-timer.Chan():
		slog.Warn("Publish timed out", "service_id", serviceID.String(), "timeout", commandTimeout)
		return 0
	}
}

// ClientCount returns the number of connections for a service, or -1 on
// timeout.
func (h *Hub) ClientCount(serviceID uuid.UUID) int {
	replyCh := make(chan int, 1)
	h.cmdCh <- clientCountCmd{serviceID: serviceID, replyChannel: replyCh}

	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case count := <-replyCh:
		return count
	case <-timer.Chan():
		slog.Warn("ClientCount timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop closes all connections and shuts the hub down.
func (h *Hub) Stop() {
	h.cmdCh <- stopCmd{}

	timeout := h.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-h.done:
		slog.Info("Fanout hub stopped")
	case <-timeout.Chan():
		slog.Warn("Fanout hub stop timeout exceeded", "timeout", stopTimeout)
	}
}

func (h *Hub) run() {
	defer close(h.done)

	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case registerCmd:
			h.handleRegister(c)
		case unregisterCmd:
			h.handleUnregister(c)
		case publishCmd:
			c.replyChannel <- h.handlePublish(c)
		case clientCountCmd:
			c.replyChannel <- len(h.clients[c.serviceID])
		case stopCmd:
			h.handleStop()
			return
		default:
			slog.Warn("Fanout hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
		}
	}
}

func (h *Hub) handleRegister(c registerCmd) {
	clients, exists := h.clients[c.serviceID]
	if !exists {
		clients = make(serviceClients)
		h.clients[c.serviceID] = clients
	}

	if len(clients) >= h.maxClientsPerService {
		slog.Warn("Rejecting client: max connections reached",
			"service_id", c.serviceID.String(),
			"max_clients", h.maxClientsPerService,
		)
		c.connection.Close()
		c.errorChannel <- fmt.Errorf("max connections per service (%d) reached", h.maxClientsPerService)
		return
	}

	clients[c.connection] = newClientWriter(c.connection, h.clock)
	metrics.DownstreamConnections.Inc()

	slog.Debug("Downstream client registered",
		"service_id", c.serviceID.String(),
		"total_clients", len(clients),
	)
	c.errorChannel <- nil
}

func (h *Hub) handleUnregister(c unregisterCmd) {
	clients, exists := h.clients[c.serviceID]
	if !exists {
		return
	}

	cw, exists := clients[c.connection]
	if !exists {
		return
	}

	cw.stop()
	delete(clients, c.connection)
	metrics.DownstreamConnections.Dec()

	if len(clients) == 0 {
		delete(h.clients, c.serviceID)
	}
	slog.Debug("Downstream client unregistered",
		"service_id", c.serviceID.String(),
		"remaining_clients", len(clients),
	)
}

func (h *Hub) handlePublish(c publishCmd) int {
	clients, exists := h.clients[c.serviceID]
	if !exists {
		return 0
	}

	delivered := 0
	for _, cw := range clients {
		metrics.FanoutQueueDepth.Observe(float64(len(cw.sendChannel)))

		select {
		case cw.sendChannel <- c.data:
			delivered++
			continue
		default:
		}

		// Queue full. Drop the oldest frame to make room, the connection
		// itself stays up.
		select {
		case <-cw.sendChannel:
			metrics.FanoutDropped.WithLabelValues("slow_client").Inc()
		default:
		}
		select {
		case cw.sendChannel <- c.data:
			delivered++
		default:
			metrics.FanoutDropped.WithLabelValues("slow_client").Inc()
		}
	}

	if delivered > 0 {
		metrics.FanoutDelivered.WithLabelValues("ws").Add(float64(delivered))
	}
	return delivered
}

func (h *Hub) handleStop() {
	total := 0
	for serviceID, clients := range h.clients {
		for _, cw := range clients {
			cw.stopGraceful("server shutting down")
			total++
		}
		delete(h.clients, serviceID)
	}
	metrics.DownstreamConnections.Set(0)
	slog.Info("Fanout hub shutdown complete", "disconnected_clients", total)
}
