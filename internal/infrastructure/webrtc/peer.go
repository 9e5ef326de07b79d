package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"zombiefile/internal/core/domain"
	"zombiefile/pkg/config"
)

const DefaultChannelLabel = "file-transfer"

// MaxMessageSize is the largest message pion's SCTP association accepts.
// pion v3 does not expose the negotiated value.
const MaxMessageSize = 65535

// Config holds the peer connection settings.
type Config struct {
	ICEServers   []webrtc.ICEServer
	PortMin      uint16
	PortMax      uint16
	ChannelLabel string

	// IncludeLoopback gathers 127.0.0.1 candidates, for same-host peers.
	IncludeLoopback bool
}

// ConfigFrom maps the webrtc section of the application config.
func ConfigFrom(cfg *config.Config) Config {
	c := Config{
		PortMin:      cfg.WebRTC.PortRange.Min,
		PortMax:      cfg.WebRTC.PortRange.Max,
		ChannelLabel: cfg.WebRTC.ChannelLabel,
	}
	for _, s := range cfg.WebRTC.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		c.ICEServers = append(c.ICEServers, server)
	}
	return c
}

// Peer is one side of a two-party connection carrying a single ordered data
// channel. The offerer creates the channel; the answerer waits for it.
type Peer struct {
	pc     *webrtc.PeerConnection
	cfg    Config
	logger *zap.SugaredLogger

	mu         sync.Mutex
	remoteSet  bool
	candidates []webrtc.ICECandidateInit

	channel   chan *DataChannel
	failed    chan struct{}
	failOnce  sync.Once
	createdAt time.Time
	connected time.Duration
}

func NewPeer(cfg Config, logger *zap.SugaredLogger) (*Peer, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.ChannelLabel == "" {
		cfg.ChannelLabel = DefaultChannelLabel
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortMin > 0 && cfg.PortMax > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return nil, fmt.Errorf("invalid webrtc port range: %w", err)
		}
	}
	settingEngine.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &Peer{
		pc:        pc,
		cfg:       cfg,
		logger:    logger,
		channel:   make(chan *DataChannel, 1),
		failed:    make(chan struct{}),
		createdAt: time.Now(),
	}

	pc.OnConnectionStateChange(p.handleConnectionState)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != cfg.ChannelLabel {
			p.logger.Warnw("Ignoring unexpected data channel", "label", dc.Label())
			return
		}
		p.offerChannel(newDataChannel(dc))
	})

	return p, nil
}

func (p *Peer) handleConnectionState(state webrtc.PeerConnectionState) {
	p.logger.Infow("Peer connection state changed", "connection_state", state.String())

	switch state {
	case webrtc.PeerConnectionStateConnected:
		p.mu.Lock()
		p.connected = time.Since(p.createdAt)
		p.mu.Unlock()
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		p.failOnce.Do(func() { close(p.failed) })
	}
}

func (p *Peer) offerChannel(dc *DataChannel) {
	select {
	case p.channel <- dc:
	default:
	}
}

// OnICECandidate registers the callback for locally gathered candidates.
// Gathering completion is not reported.
func (p *Peer) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		f(c.ToJSON())
	})
}

// CreateOffer creates the data channel and returns the local offer.
func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	ordered := true
	dc, err := p.pc.CreateDataChannel(p.cfg.ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create data channel: %w", err)
	}
	p.offerChannel(newDataChannel(dc))

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return offer, nil
}

// HandleOffer applies a remote offer and returns the answer to relay back.
func (p *Peer) HandleOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: expected offer, got %s", domain.ErrInvalidPayload, offer.Type)
	}
	if err := p.setRemote(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return answer, nil
}

func (p *Peer) HandleAnswer(answer webrtc.SessionDescription) error {
	if answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("%w: expected answer, got %s", domain.ErrInvalidPayload, answer.Type)
	}
	return p.setRemote(answer)
}

func (p *Peer) setRemote(desc webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	p.mu.Lock()
	p.remoteSet = true
	queued := p.candidates
	p.candidates = nil
	p.mu.Unlock()

	for _, c := range queued {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.logger.Warnw("Failed to add queued ICE candidate", "error", err)
		}
	}
	return nil
}

// AddICECandidate adds a remote candidate. Candidates that arrive before the
// remote description are held until it is set.
func (p *Peer) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.candidates = append(p.candidates, c)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("failed to add ICE candidate: %w", err)
	}
	return nil
}

// WaitChannel blocks until the data channel is open.
func (p *Peer) WaitChannel(ctx context.Context) (*DataChannel, error) {
	var dc *DataChannel
	select {
	case dc = <-p.channel:
	case <-p.failed:
		return nil, fmt.Errorf("%w: peer connection failed", domain.ErrChannelClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case <-dc.opened:
		return dc, nil
	case <-dc.done:
		return nil, domain.ErrChannelClosed
	case <-p.failed:
		return nil, fmt.Errorf("%w: peer connection failed", domain.ErrChannelClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Failed is closed when the connection fails or is closed.
func (p *Peer) Failed() <-chan struct{} {
	return p.failed
}

// ConnectDuration is the time from creation to the connected state, zero
// until connected.
func (p *Peer) ConnectDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// AvailableOutgoingBitrate reads the nominated candidate pair's estimate.
func (p *Peer) AvailableOutgoingBitrate() (float64, bool) {
	for _, s := range p.pc.GetStats() {
		pair, ok := s.(webrtc.ICECandidatePairStats)
		if !ok || !pair.Nominated || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		if pair.AvailableOutgoingBitrate > 0 {
			return pair.AvailableOutgoingBitrate, true
		}
	}
	return 0, false
}

func (p *Peer) Close() error {
	if err := p.pc.Close(); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
		return err
	}
	return nil
}

// DataChannel adapts a pion data channel to the transfer layer.
type DataChannel struct {
	dc *webrtc.DataChannel

	opened    chan struct{}
	done      chan struct{}
	openOnce  sync.Once
	closeOnce sync.Once

	mu      sync.Mutex
	handler func(string)
	early   []string
}

func newDataChannel(dc *webrtc.DataChannel) *DataChannel {
	c := &DataChannel{
		dc:     dc,
		opened: make(chan struct{}),
		done:   make(chan struct{}),
	}

	dc.OnOpen(func() { c.openOnce.Do(func() { close(c.opened) }) })
	dc.OnClose(func() { c.closeOnce.Do(func() { close(c.done) }) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.handler == nil {
			c.early = append(c.early, string(msg.Data))
			return
		}
		c.handler(string(msg.Data))
	})

	if dc.ReadyState() == webrtc.DataChannelStateOpen {
		c.openOnce.Do(func() { close(c.opened) })
	}
	return c
}

// OnMessage sets the text message handler. Messages that arrived before it was
// set are replayed first, in order. Calls are serialised.
func (c *DataChannel) OnMessage(f func(text string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = f
	for _, text := range c.early {
		f(text)
	}
	c.early = nil
}

func (c *DataChannel) SendText(text string) error {
	if err := c.dc.SendText(text); err != nil {
		if !c.IsOpen() {
			return fmt.Errorf("%w: %v", domain.ErrChannelClosed, err)
		}
		return err
	}
	return nil
}

func (c *DataChannel) BufferedAmount() uint64 {
	return c.dc.BufferedAmount()
}

func (c *DataChannel) MaxMessageSize() int {
	return MaxMessageSize
}

func (c *DataChannel) IsOpen() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (c *DataChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.dc.SetBufferedAmountLowThreshold(threshold)
}

func (c *DataChannel) OnBufferedAmountLow(f func()) {
	c.dc.OnBufferedAmountLow(f)
}

func (c *DataChannel) Label() string {
	return c.dc.Label()
}

// Done is closed when the channel closes.
func (c *DataChannel) Done() <-chan struct{} {
	return c.done
}

func (c *DataChannel) Close() error {
	return c.dc.Close()
}
