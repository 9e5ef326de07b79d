package transfer

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"zombiefile/internal/core/domain"
	"zombiefile/internal/core/ports"
	"zombiefile/internal/protocol/keyexchange"
	"zombiefile/internal/protocol/wire"
)

// Receiver reassembles files from the data channel message stream. Messages
// must be fed in arrival order; the channel guarantees ordered delivery, so
// chunks carry no sequence numbers.
type Receiver struct {
	ch       ports.DataChannel
	exchange *keyexchange.Exchange
	observer ports.TransferObserver
	logger   *zap.SugaredLogger

	onFile     func(*domain.File)
	onProgress func(domain.Progress)

	mu          sync.Mutex
	session     *domain.TransferSession
	lastPercent int
	results     []domain.FileResult
}

func NewReceiver(ch ports.DataChannel, observer ports.TransferObserver, logger *zap.SugaredLogger) *Receiver {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Receiver{
		ch:          ch,
		exchange:    keyexchange.New(keyexchange.RoleReceiver, logger),
		observer:    observer,
		logger:      logger,
		session:     domain.NewTransferSession(domain.DirectionReceive),
		lastPercent: -1,
	}
}

// OnFile registers the callback that receives every completed file.
func (r *Receiver) OnFile(f func(*domain.File)) {
	r.onFile = f
}

func (r *Receiver) OnProgress(f func(domain.Progress)) {
	r.onProgress = f
}

func (r *Receiver) Exchange() *keyexchange.Exchange {
	return r.exchange
}

// Session returns the in-flight transfer session.
func (r *Receiver) Session() *domain.TransferSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

func (r *Receiver) Results() []domain.FileResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.FileResult(nil), r.results...)
}

// HandleMessage processes one inbound data-channel text message.
func (r *Receiver) HandleMessage(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, err := wire.Parse(text)
	if err != nil {
		r.failSession(err)
		return err
	}

	switch msg.Kind {
	case wire.KindSenderPublicKey:
		reply, err := r.exchange.HandleSenderKey(msg.Text)
		if err != nil {
			return err
		}
		return r.ch.SendText(reply)

	case wire.KindMIME:
		return r.metadata(r.session.SetMIME(msg.Text))
	case wire.KindName:
		return r.metadata(r.session.SetName(msg.Text))
	case wire.KindSize:
		return r.metadata(r.session.SetSize(msg.Size))
	case wire.KindCompression:
		return r.metadata(r.session.SetCompressed(msg.Compressed))

	case wire.KindChunk:
		return r.chunk(msg.Envelope)

	case wire.KindEnd:
		return r.end()

	case wire.KindFileEnd:
		return nil

	case wire.KindReceiverPublicKey:
		return fmt.Errorf("%w: receiver key sent to receiver", domain.ErrKeyExchangeFailure)

	default:
		r.logger.Warnw("Unknown data channel message", "length", len(text))
		return fmt.Errorf("%w: unrecognised message", domain.ErrInvalidPayload)
	}
}

// Close is called when the channel goes away. A file still in flight is
// failed as incomplete; its progress stays where it stopped.
func (r *Receiver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.exchange.Fail(domain.ErrChannelClosed)
	r.failSession(fmt.Errorf("%w: %v", domain.ErrTransferIncomplete, domain.ErrChannelClosed))
}

func (r *Receiver) metadata(err error) error {
	if err != nil {
		r.failSession(err)
	}
	return err
}

func (r *Receiver) chunk(env *wire.Envelope) error {
	if r.session.State() == domain.TransferFailed {
		// the rest of a failed file is dropped until its END
		return nil
	}

	secret, err := r.exchange.Secret()
	if err != nil {
		r.failSession(err)
		return err
	}

	plain, err := secret.Decrypt(env)
	if err != nil {
		r.failSession(err)
		return err
	}

	if r.session.Meta.Compressed {
		remaining := r.session.Meta.Size - r.session.Transferred()
		if plain, err = Decompress(plain, remaining); err != nil {
			r.failSession(err)
			return err
		}
	}

	if _, err := r.session.Append(plain); err != nil {
		if r.session.State() == domain.TransferFailed {
			r.recordFailure(err)
		}
		return err
	}
	r.observer.ChunkTransferred(domain.DirectionReceive, len(plain), len(env.Ciphertext)+len(env.Nonce))
	r.progress()
	return nil
}

func (r *Receiver) end() error {
	defer func() {
		r.session = domain.NewTransferSession(domain.DirectionReceive)
		r.lastPercent = -1
	}()

	if r.session.State() == domain.TransferFailed {
		r.logger.Warnw("Discarding failed file", "file", r.session.Meta.Name, "error", r.session.Failure())
		return nil
	}
	if !r.session.Started() {
		return fmt.Errorf("%w: END without a file", domain.ErrInvalidPayload)
	}

	file, err := r.session.Complete()
	if err != nil {
		r.recordFailure(err)
		return err
	}
	r.progress()

	r.logger.Infow("File received",
		"file", file.Name,
		"mime", file.MIME,
		"bytes", len(file.Data),
	)
	r.results = append(r.results, domain.FileResult{
		Name:   file.Name,
		Status: domain.StatusReceived,
		Bytes:  int64(len(file.Data)),
	})
	r.observer.FileFinished(domain.DirectionReceive, domain.StatusReceived, int64(len(file.Data)))

	if r.onFile != nil {
		r.onFile(file)
	}
	return nil
}

// failSession fails the current file, if any. A failure outside a file (e.g.
// a stray chunk before metadata) is returned to the caller only.
func (r *Receiver) failSession(err error) {
	switch r.session.State() {
	case domain.TransferReceiving:
	case domain.TransferAwaitingMetadata:
		if !r.session.Started() {
			return
		}
	default:
		return
	}
	r.session.Fail(err)
	r.recordFailure(err)
}

func (r *Receiver) recordFailure(err error) {
	r.logger.Errorw("File receive failed",
		"file", r.session.Meta.Name,
		"offset", r.session.Transferred(),
		"error", err,
	)
	r.results = append(r.results, domain.FileResult{
		Name:   r.session.Meta.Name,
		Status: domain.StatusFailed,
		Bytes:  r.session.Transferred(),
		Err:    err,
	})
	r.observer.FileFinished(domain.DirectionReceive, domain.StatusFailed, r.session.Transferred())
}

func (r *Receiver) progress() {
	percent := r.session.Progress()
	if percent == r.lastPercent {
		return
	}
	r.lastPercent = percent
	if r.onProgress == nil {
		return
	}
	r.onProgress(domain.Progress{
		Direction:   domain.DirectionReceive,
		File:        r.session.Meta.Name,
		Transferred: r.session.Transferred(),
		Total:       r.session.Meta.Size,
		Percent:     percent,
	})
}
