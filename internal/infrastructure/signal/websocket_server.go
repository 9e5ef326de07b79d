package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"zombiefile/internal/core/domain"
	"zombiefile/internal/core/ports"
	apperrors "zombiefile/pkg/errors"
	"zombiefile/pkg/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RelayBus delivers messages to connections held by other relay instances.
type RelayBus interface {
	PublishRelay(ctx context.Context, roomID domain.RoomID, targets []domain.ConnectionID, payload []byte) error
}

// Metrics is the subset of the Prometheus collector the relay reports to.
type Metrics interface {
	RecordConnectionOpened()
	RecordConnectionClosed()
	RecordMessage(msgType string, duration time.Duration)
	RecordError(code string)
}

type ServerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	AllowedOrigins []string

	// Per-connection request limit; zero disables it.
	MessagesPerSecond float64
	Burst             int
	// Zero means unlimited.
	MaxConnections int
	SendBuffer     int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
		SendBuffer:     64,
	}
}

type connection struct {
	id        domain.ConnectionID
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter
}

func (c *connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// WebSocketServer is the signaling relay. Peers meet in rooms and exchange
// opaque negotiation payloads; the relay never inspects them.
type WebSocketServer struct {
	rooms   ports.RoomService
	bus     RelayBus
	metrics Metrics
	cfg     ServerConfig

	upgrader websocket.Upgrader

	connections map[domain.ConnectionID]*connection
	mu          sync.RWMutex
	closed      bool

	logger *zap.SugaredLogger
}

func NewWebSocketServer(rooms ports.RoomService, cfg ServerConfig, logger *zap.SugaredLogger) *WebSocketServer {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	s := &WebSocketServer{
		rooms:       rooms,
		cfg:         cfg,
		connections: make(map[domain.ConnectionID]*connection),
		logger:      logger,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return s
}

// SetRelayBus enables delivery to connections on other instances.
func (s *WebSocketServer) SetRelayBus(bus RelayBus) {
	s.bus = bus
}

func (s *WebSocketServer) SetMetrics(m Metrics) {
	s.metrics = m
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.cfg.MaxConnections > 0 && s.ConnectionCount() >= s.cfg.MaxConnections {
		s.logger.Warnw("Connection limit reached", "max_connections", s.cfg.MaxConnections)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &connection{
		id:   domain.ConnectionID(uuid.NewString()),
		ws:   ws,
		send: make(chan []byte, s.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	if s.cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), max(s.cfg.Burst, 1))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		_ = ws.Close()
		return
	}
	s.connections[c.id] = c
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordConnectionOpened()
	}
	s.logger.Infow("Peer connected", "conn_id", c.id, "remote_addr", r.RemoteAddr)

	go s.writePump(c)
	s.readPump(c)
	s.cleanup(c)
}

func (s *WebSocketServer) readPump(c *connection) {
	defer c.close()

	if s.cfg.MaxMessageSize > 0 {
		c.ws.SetReadLimit(s.cfg.MaxMessageSize)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading message from peer", "conn_id", c.id, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.fail(c, Request{}, apperrors.NewInvalidPayloadError("malformed JSON message"))
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			s.fail(c, req, apperrors.NewRateLimitError())
			continue
		}
		s.handleMessage(context.Background(), c, req)
	}
}

func (s *WebSocketServer) writePump(c *connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.cfg.WriteTimeout))
			return

		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Infow("error writing to peer", "conn_id", c.id, "error", err)
				c.close()
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "conn_id", c.id, "error", err)
				c.close()
				return
			}
		}
	}
}

// cleanup removes the connection from every room and tells the members left
// behind.
func (s *WebSocketServer) cleanup(c *connection) {
	s.mu.Lock()
	delete(s.connections, c.id)
	s.mu.Unlock()

	ctx := context.Background()
	for _, room := range s.rooms.Disconnect(ctx, c.id) {
		if room.PeerCount() == 0 {
			continue
		}
		s.deliver(ctx, room.ID, room.Members, Message{
			Type:      TypePeerLeft,
			RoomID:    room.ID,
			PeerCount: room.PeerCount(),
		})
	}

	if s.metrics != nil {
		s.metrics.RecordConnectionClosed()
	}
	s.logger.Infow("Peer disconnected", "conn_id", c.id)
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *connection, req Request) {
	start := time.Now()
	ctx, span := tracing.TraceRelayMessage(ctx, req.Type, string(c.id), string(req.RoomID))
	defer span.End()

	var err error
	switch req.Type {
	case TypeCreateRoom:
		err = s.handleCreateRoom(ctx, c, req)
	case TypeJoinRoom:
		err = s.handleJoinRoom(ctx, c, req)
	case TypeOffer, TypeAnswer, TypeICECandidate:
		err = s.handleRelay(ctx, c, req)
	default:
		err = apperrors.NewAppError(apperrors.ErrCodeUnknownMessage,
			fmt.Sprintf("unknown message type: %q", req.Type), http.StatusBadRequest)
	}

	if err != nil {
		tracing.RecordError(ctx, err)
		s.fail(c, req, err)
	}

	if s.metrics != nil {
		label := req.Type
		if label != TypeCreateRoom && label != TypeJoinRoom && !isRelayType(label) {
			label = "unknown"
		}
		s.metrics.RecordMessage(label, time.Since(start))
	}
}

func (s *WebSocketServer) handleCreateRoom(ctx context.Context, c *connection, req Request) error {
	room, err := s.rooms.CreateRoom(ctx, req.RoomID, c.id)
	if err != nil {
		return err
	}
	s.ack(c, req, room.PeerCount())
	return nil
}

func (s *WebSocketServer) handleJoinRoom(ctx context.Context, c *connection, req Request) error {
	room, err := s.rooms.JoinRoom(ctx, req.RoomID, c.id)
	if err != nil {
		return err
	}

	s.deliver(ctx, room.ID, room.Others(c.id), Message{
		Type:      TypePeerJoined,
		RoomID:    room.ID,
		PeerCount: room.PeerCount(),
	})
	s.ack(c, req, room.PeerCount())
	return nil
}

// handleRelay forwards offer, answer and ice-candidate payloads verbatim to
// every other member of the room.
func (s *WebSocketServer) handleRelay(ctx context.Context, c *connection, req Request) error {
	if req.RoomID == "" || emptyPayload(req.Payload) {
		return apperrors.NewInvalidPayloadError(fmt.Sprintf("invalid %s data: room_id and payload are required", req.Type))
	}

	recipients, err := s.rooms.Recipients(ctx, req.RoomID, c.id)
	if err != nil && !errors.Is(err, domain.ErrRoomNotFound) {
		return err
	}
	s.rooms.Touch(ctx, req.RoomID)

	s.deliver(ctx, req.RoomID, recipients, Message{
		Type:    req.Type,
		RoomID:  req.RoomID,
		From:    c.id,
		Payload: req.Payload,
	})

	s.logger.Debugw("Relayed message",
		"type", req.Type,
		"room_id", req.RoomID,
		"conn_id", c.id,
		"recipients", len(recipients),
		"payload_bytes", len(req.Payload),
	)
	s.ack(c, req, 0)
	return nil
}

// deliver sends msg to every target held locally and hands the rest to the
// relay bus.
func (s *WebSocketServer) deliver(ctx context.Context, roomID domain.RoomID, targets []domain.ConnectionID, msg Message) {
	if len(targets) == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Errorw("failed to encode message", "type", msg.Type, "error", err)
		return
	}

	remote := s.DeliverLocal(targets, data)
	if len(remote) == 0 || s.bus == nil {
		return
	}
	if err := s.bus.PublishRelay(ctx, roomID, remote, data); err != nil {
		s.logger.Warnw("failed to publish relay event",
			"room_id", roomID,
			"targets", len(remote),
			"error", err,
		)
	}
}

// DeliverLocal queues data for the targets connected to this instance and
// returns the ones that are not.
func (s *WebSocketServer) DeliverLocal(targets []domain.ConnectionID, data []byte) []domain.ConnectionID {
	var remote []domain.ConnectionID

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range targets {
		c, ok := s.connections[id]
		if !ok {
			remote = append(remote, id)
			continue
		}
		s.enqueue(c, data)
	}
	return remote
}

func (s *WebSocketServer) enqueue(c *connection, data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		s.logger.Warnw("send buffer full, dropping slow peer", "conn_id", c.id)
		c.close()
	}
}

func (s *WebSocketServer) send(c *connection, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Errorw("failed to encode message", "type", msg.Type, "error", err)
		return
	}
	s.enqueue(c, data)
}

func (s *WebSocketServer) ack(c *connection, req Request, peerCount int) {
	if req.RequestID == "" {
		return
	}
	s.send(c, Message{
		Type:      TypeAck,
		RequestID: req.RequestID,
		Status:    StatusOK,
		RoomID:    req.RoomID,
		PeerCount: peerCount,
	})
}

// fail reports an error for req. Errors are always sent, with or without a
// request id.
func (s *WebSocketServer) fail(c *connection, req Request, err error) {
	appErr := apperrors.FromDomain(err)

	s.logger.Infow("error handling message from peer",
		"conn_id", c.id,
		"type", req.Type,
		"room_id", req.RoomID,
		"code", appErr.Code,
		"error", err,
	)
	if s.metrics != nil {
		s.metrics.RecordError(string(appErr.Code))
	}

	s.send(c, Message{
		Type:      TypeAck,
		RequestID: req.RequestID,
		Status:    StatusError,
		Code:      string(appErr.Code),
		Message:   appErr.Message,
		RoomID:    req.RoomID,
	})
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *WebSocketServer) IsConnected(id domain.ConnectionID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.connections[id]
	return ok
}

// Shutdown stops accepting connections and closes the open ones, waiting
// until they are cleaned up or ctx is done.
func (s *WebSocketServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, c := range s.connections {
		c.close()
	}
	s.mu.Unlock()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for s.ConnectionCount() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	s.logger.Info("WebSocket server closed")
	return nil
}
