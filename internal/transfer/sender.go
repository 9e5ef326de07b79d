package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"zombiefile/internal/core/domain"
	"zombiefile/internal/core/ports"
	"zombiefile/internal/protocol/chunkcipher"
	"zombiefile/internal/protocol/keyexchange"
	"zombiefile/internal/protocol/wire"
)

// DefaultMessageLimit applies when the channel does not report its own cap.
// It is the SCTP message size browsers and pion both accept.
const DefaultMessageLimit = 65535

type SenderConfig struct {
	Sizer                SizerConfig
	PollInterval         time.Duration
	CompressionThreshold float64
	KeyExchangeTimeout   time.Duration
	SendFileEnd          bool
}

func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Sizer:                DefaultSizerConfig(),
		PollInterval:         50 * time.Millisecond,
		CompressionThreshold: 0.9,
		KeyExchangeTimeout:   30 * time.Second,
		SendFileEnd:          true,
	}
}

// Sender streams files over one data channel, one file at a time.
type Sender struct {
	ch       ports.DataChannel
	exchange *keyexchange.Exchange
	sizer    *Sizer
	cfg      SenderConfig
	sniff    ports.MIMESniffer
	observer ports.TransferObserver
	logger   *zap.SugaredLogger
	limit    int

	onProgress func(domain.Progress)

	drained   chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	stats domain.TransferStats
}

func NewSender(
	ch ports.DataChannel,
	estimator ports.BandwidthEstimator,
	cfg SenderConfig,
	observer ports.TransferObserver,
	logger *zap.SugaredLogger,
) *Sender {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if observer == nil {
		observer = nopObserver{}
	}

	s := &Sender{
		ch:       ch,
		exchange: keyexchange.New(keyexchange.RoleSender, logger),
		sizer:    NewSizer(cfg.Sizer, estimator),
		cfg:      cfg,
		sniff:    SniffMIME,
		observer: observer,
		logger:   logger,
		limit:    DefaultMessageLimit,
		drained:  make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
	if l, ok := ch.(ports.MessageLimiter); ok && l.MaxMessageSize() > 0 {
		s.limit = l.MaxMessageSize()
	}

	if n, ok := ch.(ports.BufferLowNotifier); ok {
		n.SetBufferedAmountLowThreshold(s.sizer.LowThreshold())
		n.OnBufferedAmountLow(func() {
			select {
			case s.drained <- struct{}{}:
			default:
			}
		})
	}

	return s
}

func (s *Sender) OnProgress(f func(domain.Progress)) {
	s.onProgress = f
}

func (s *Sender) Exchange() *keyexchange.Exchange {
	return s.exchange
}

func (s *Sender) Stats() domain.TransferStats {
	return s.stats
}

// Start opens the key exchange by sending this side's public key. Call it once
// the channel is open.
func (s *Sender) Start() error {
	msg, err := s.exchange.Start()
	if err != nil {
		return err
	}
	return s.ch.SendText(msg)
}

// HandleMessage processes an inbound text message on the sender side. Only the
// receiver's public key is expected.
func (s *Sender) HandleMessage(text string) error {
	msg, err := wire.Parse(text)
	if err != nil {
		return err
	}
	switch msg.Kind {
	case wire.KindReceiverPublicKey:
		return s.exchange.HandleReceiverKey(msg.Text)
	default:
		s.logger.Debugw("Ignoring message on sender", "kind", msg.Kind.String())
		return nil
	}
}

// Close marks the channel closed; the send loop aborts at its next step.
func (s *Sender) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.exchange.Fail(domain.ErrChannelClosed)
	})
}

// SendFiles waits for the key exchange, then sends the files in order. The
// batch stops at the first file that does not complete; every later file is
// reported as aborted.
func (s *Sender) SendFiles(ctx context.Context, files []domain.File) ([]domain.FileResult, error) {
	started := time.Now()
	defer func() { s.stats.Duration = time.Since(started) }()

	results := make([]domain.FileResult, 0, len(files))

	secret, err := s.waitForSecret(ctx)
	if err != nil {
		for _, f := range files {
			results = append(results, domain.FileResult{Name: f.Name, Status: domain.StatusAborted, Err: err})
		}
		return results, err
	}

	for i, f := range files {
		res := s.sendFile(ctx, secret, f)
		results = append(results, res)
		s.observer.FileFinished(domain.DirectionSend, res.Status, res.Bytes)
		s.stats.Files++

		if res.Status != domain.StatusSent {
			s.stats.Failed++
			for _, rest := range files[i+1:] {
				results = append(results, domain.FileResult{Name: rest.Name, Status: domain.StatusAborted, Err: res.Err})
			}
			return results, res.Err
		}
	}
	return results, nil
}

func (s *Sender) waitForSecret(ctx context.Context) (*chunkcipher.Secret, error) {
	waitCtx := ctx
	if s.cfg.KeyExchangeTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.cfg.KeyExchangeTimeout)
		defer cancel()
	}
	secret, err := s.exchange.Wait(waitCtx)
	if err != nil {
		s.exchange.Fail(err)
		return nil, err
	}
	return secret, nil
}

func (s *Sender) sendFile(ctx context.Context, secret *chunkcipher.Secret, f domain.File) domain.FileResult {
	res := domain.FileResult{Name: f.Name}
	data := f.Data

	mime := f.MIME
	if mime == "" {
		mime = s.sniff(data)
	}
	compress := ShouldCompress(mime) && WorthCompressing(data, s.cfg.CompressionThreshold)

	session := domain.NewTransferSession(domain.DirectionSend)
	_ = session.SetMIME(mime)
	_ = session.SetName(f.Name)
	_ = session.SetSize(int64(len(data)))
	_ = session.SetCompressed(compress)

	s.logger.Infow("Sending file",
		"file", f.Name,
		"mime", mime,
		"size", len(data),
		"compressed", compress,
	)

	for _, marker := range []string{
		wire.MIME(mime),
		wire.Name(f.Name),
		wire.Size(int64(len(data))),
		wire.Compression(compress),
	} {
		if err := s.send(marker); err != nil {
			return s.failed(res, session, err)
		}
	}
	if compress {
		s.stats.Compressed++
	}
	s.progress(session)

	ceiling := chunkcipher.MaxPlaintext(s.limit)
	if compress {
		ceiling = MaxCompressInput(ceiling)
	}
	if ceiling <= 0 {
		return s.failed(res, session, fmt.Errorf("%w: channel message limit %d leaves no room for data", domain.ErrInvalidPayload, s.limit))
	}
	s.sizer.SetCeiling(ceiling)

	offset := 0
	for offset < len(data) {
		if err := ctx.Err(); err != nil {
			res.Status = domain.StatusAborted
			res.Err = err
			res.Bytes = session.Transferred()
			return res
		}
		if !s.ch.IsOpen() {
			return s.failed(res, session, domain.ErrChannelClosed)
		}

		size, ok := s.sizer.Next(s.ch.BufferedAmount(), len(data)-offset)
		if !ok {
			s.stats.Deferrals++
			s.observer.SendDeferred()
			if err := s.waitDrain(ctx); err != nil {
				if errors.Is(err, domain.ErrChannelClosed) {
					return s.failed(res, session, err)
				}
				res.Status = domain.StatusAborted
				res.Err = err
				res.Bytes = session.Transferred()
				return res
			}
			continue
		}

		chunk := data[offset : offset+size]
		payload := chunk
		if compress {
			var err error
			if payload, err = Compress(chunk); err != nil {
				return s.failed(res, session, fmt.Errorf("compress chunk: %w", err))
			}
		}

		env, err := secret.Encrypt(payload)
		if err != nil {
			return s.failed(res, session, err)
		}
		text, err := wire.EncodeEnvelope(env)
		if err != nil {
			return s.failed(res, session, err)
		}
		if len(text) > s.limit {
			return s.failed(res, session, fmt.Errorf("%w: chunk envelope is %d bytes, channel limit is %d", domain.ErrInvalidPayload, len(text), s.limit))
		}
		if err := s.send(text); err != nil {
			return s.failed(res, session, err)
		}

		offset += size
		session.Advance(size)
		s.stats.Chunks++
		s.stats.Bytes += int64(size)
		s.stats.WireBytes += int64(len(text))
		s.observer.ChunkTransferred(domain.DirectionSend, size, len(text))
		s.progress(session)
	}

	if err := s.send(wire.MarkerEnd); err != nil {
		return s.failed(res, session, err)
	}
	if s.cfg.SendFileEnd {
		if err := s.send(wire.MarkerFileEnd); err != nil {
			return s.failed(res, session, err)
		}
	}

	if len(data) == 0 {
		// no chunk moved the counter, so report completion explicitly
		_, _ = session.Complete()
		s.progress(session)
	}

	s.logger.Infow("File sent",
		"file", f.Name,
		"bytes", len(data),
	)
	res.Status = domain.StatusSent
	res.Bytes = int64(len(data))
	return res
}

// send writes one message, reporting a write on a closed channel as
// domain.ErrChannelClosed.
func (s *Sender) send(text string) error {
	if !s.ch.IsOpen() {
		return domain.ErrChannelClosed
	}
	if err := s.ch.SendText(text); err != nil {
		if !s.ch.IsOpen() {
			return fmt.Errorf("%w: %v", domain.ErrChannelClosed, err)
		}
		return err
	}
	return nil
}

// waitDrain blocks until the channel reports a low buffer or the poll interval
// elapses.
func (s *Sender) waitDrain(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()

	select {
	case <-s.drained:
	case <-timer.C:
	case <-s.closed:
		return domain.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *Sender) failed(res domain.FileResult, session *domain.TransferSession, err error) domain.FileResult {
	s.logger.Errorw("File transfer failed",
		"file", res.Name,
		"offset", session.Transferred(),
		"error", err,
	)
	res.Status = domain.StatusFailed
	res.Err = err
	res.Bytes = session.Transferred()
	session.Fail(err)
	return res
}

func (s *Sender) progress(session *domain.TransferSession) {
	if s.onProgress == nil {
		return
	}
	s.onProgress(domain.Progress{
		Direction:   domain.DirectionSend,
		File:        session.Meta.Name,
		Transferred: session.Transferred(),
		Total:       session.Meta.Size,
		Percent:     session.Progress(),
	})
}

type nopObserver struct{}

func (nopObserver) ChunkTransferred(domain.Direction, int, int)                 {}
func (nopObserver) FileFinished(domain.Direction, domain.TransferStatus, int64) {}
func (nopObserver) SendDeferred()                                               {}
