package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"zombiefile/internal/core/domain"
	apperrors "zombiefile/pkg/errors"
	"zombiefile/pkg/retry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrClientClosed = errors.New("signaling connection closed")

type ClientConfig struct {
	Retry          retry.Config
	RequestTimeout time.Duration
	WriteTimeout   time.Duration
	EventBuffer    int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Retry:          retry.DefaultConfig(),
		RequestTimeout: 10 * time.Second,
		WriteTimeout:   10 * time.Second,
		EventBuffer:    64,
	}
}

// Client is a peer's connection to the signaling relay. Requests wait for
// their ack; everything else is delivered on Events.
type Client struct {
	ws     *websocket.Conn
	cfg    ClientConfig
	logger *zap.SugaredLogger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Message

	events chan Message
	done   chan struct{}
	err    error
}

// Dial connects to the relay at url, retrying with backoff per cfg.Retry.
func Dial(ctx context.Context, url string, cfg ClientConfig, logger *zap.SugaredLogger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}

	retryCfg := cfg.Retry
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warnw("Failed to reach signaling server, retrying",
			"url", url,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	ws, err := retry.RetryWithResult(ctx, retryCfg, func() (*websocket.Conn, error) {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil && resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// The relay answered and refused; another attempt gets the same answer.
			return nil, retry.Permanent(fmt.Errorf("%w: status %d", err, resp.StatusCode))
		}
		return conn, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}

	c := &Client{
		ws:      ws,
		cfg:     cfg,
		logger:  logger,
		pending: make(map[string]chan Message),
		events:  make(chan Message, cfg.EventBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	logger.Infow("Connected to signaling server", "url", url)
	return c, nil
}

// Events delivers relayed payloads and room events. It is closed when the
// connection ends.
func (c *Client) Events() <-chan Message {
	return c.events
}

func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, once Done is closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// CreateRoom creates (or rejoins) a room and returns its peer count.
func (c *Client) CreateRoom(ctx context.Context, roomID domain.RoomID) (int, error) {
	ack, err := c.request(ctx, Request{Type: TypeCreateRoom, RoomID: roomID})
	if err != nil {
		return 0, err
	}
	return ack.PeerCount, nil
}

// JoinRoom joins an existing room and returns its peer count.
func (c *Client) JoinRoom(ctx context.Context, roomID domain.RoomID) (int, error) {
	ack, err := c.request(ctx, Request{Type: TypeJoinRoom, RoomID: roomID})
	if err != nil {
		return 0, err
	}
	return ack.PeerCount, nil
}

// Relay sends an offer, answer or ice-candidate payload to the other members
// of the room.
func (c *Client) Relay(ctx context.Context, msgType string, roomID domain.RoomID, payload any) error {
	if !isRelayType(msgType) {
		return fmt.Errorf("%w: %q is not a relay message", domain.ErrInvalidPayload, msgType)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", msgType, err)
	}
	_, err = c.request(ctx, Request{Type: msgType, RoomID: roomID, Payload: raw})
	return err
}

func (c *Client) request(ctx context.Context, req Request) (Message, error) {
	req.RequestID = uuid.NewString()
	reply := make(chan Message, 1)

	c.mu.Lock()
	c.pending[req.RequestID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
	}()

	if err := c.write(req); err != nil {
		return Message{}, err
	}

	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	select {
	case ack := <-reply:
		if ack.Status == StatusError {
			return ack, ackError(ack)
		}
		return ack, nil
	case <-c.done:
		return Message{}, ErrClientClosed
	case <-ctx.Done():
		return Message{}, fmt.Errorf("%s request timed out: %w", req.Type, ctx.Err())
	}
}

func (c *Client) write(req Request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.cfg.WriteTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := c.ws.WriteJSON(req); err != nil {
		return fmt.Errorf("failed to send %s: %w", req.Type, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	defer close(c.done)

	for {
		var msg Message
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.err = err
			}
			return
		}

		if msg.Type == TypeAck {
			c.mu.Lock()
			reply, ok := c.pending[msg.RequestID]
			c.mu.Unlock()
			if ok {
				reply <- msg
				continue
			}
			if msg.Status == StatusError {
				c.logger.Warnw("Signaling server reported an error",
					"code", msg.Code,
					"message", msg.Message,
				)
			}
			continue
		}

		c.events <- msg
	}
}

// Close sends a close frame and releases the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

// ackError maps an error ack onto the domain sentinels so callers can use
// errors.Is.
func ackError(ack Message) error {
	switch apperrors.ErrorCode(ack.Code) {
	case apperrors.ErrCodeRoomNotFound:
		return fmt.Errorf("%w: %s", domain.ErrRoomNotFound, ack.Message)
	case apperrors.ErrCodeInvalidPayload, apperrors.ErrCodeUnknownMessage:
		return fmt.Errorf("%w: %s", domain.ErrInvalidPayload, ack.Message)
	default:
		return apperrors.NewAppError(apperrors.ErrorCode(ack.Code), ack.Message, 0)
	}
}
