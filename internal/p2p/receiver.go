package p2p

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"zombiefile/internal/core/domain"
	"zombiefile/internal/core/ports"
	"zombiefile/internal/infrastructure/signal"
	rtc "zombiefile/internal/infrastructure/webrtc"
	"zombiefile/internal/transfer"
	"zombiefile/pkg/tracing"
	"zombiefile/pkg/validation"
)

const closeGrace = 2 * time.Second

type ReceiveOptions struct {
	WebRTC         rtc.Config
	OutputDir      string
	ConnectTimeout time.Duration
	Observer       ports.TransferObserver

	// Expect stops the session after this many files. Zero waits for the
	// sender to close the channel.
	Expect int

	OnProgress func(domain.Progress)
	// OnSaved is called with the path of every file written.
	OnSaved func(path string, f *domain.File)
}

// Receive joins roomID, answers the sender's offer and writes every file it
// receives into opts.OutputDir.
func Receive(ctx context.Context, sig Signaler, roomID domain.RoomID, opts ReceiveOptions, logger *zap.SugaredLogger) ([]domain.FileResult, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	logger = logger.With("room_id", roomID)

	peer, err := rtc.NewPeer(opts.WebRTC, logger)
	if err != nil {
		return nil, err
	}
	defer peer.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	relayCandidates(ctx, sig, peer, roomID, logger)
	go answer(ctx, sig, peer, roomID, logger)

	count, err := sig.JoinRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to join room: %w", err)
	}
	logger.Infow("Joined room, waiting for offer", "peer_count", count)

	waitCtx, waitCancel := context.WithTimeout(ctx, connectTimeout(opts.ConnectTimeout))
	dc, err := peer.WaitChannel(waitCtx)
	waitCancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("peer connection not established within %s: %w", connectTimeout(opts.ConnectTimeout), err)
		}
		return nil, err
	}
	recordConnection(opts.Observer, peer)

	w := &fileWriter{dir: opts.OutputDir, onSaved: opts.OnSaved, logger: logger}
	receiver := transfer.NewReceiver(dc, opts.Observer, logger)
	if opts.OnProgress != nil {
		receiver.OnProgress(opts.OnProgress)
	}

	finished := make(chan struct{})
	var finishOnce sync.Once
	receiver.OnFile(func(f *domain.File) {
		w.save(f)
		if opts.Expect > 0 && w.count() >= opts.Expect {
			finishOnce.Do(func() { close(finished) })
		}
	})
	dc.OnMessage(func(text string) {
		if err := receiver.HandleMessage(text); err != nil {
			logger.Warnw("Rejected data channel message", "error", err)
		}
	})

	select {
	case <-dc.Done():
	case <-peer.Failed():
	case <-finished:
		// let the sender close first so its trailing markers are not cut off
		select {
		case <-dc.Done():
		case <-time.After(closeGrace):
		case <-ctx.Done():
		}
	case <-ctx.Done():
	}
	receiver.Close()

	results := receiver.Results()
	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, outcome(results, w.count(), opts.Expect, w.failure())
}

// outcome turns a finished session into the error Receive reports: a file
// that could not be written, a file that failed in transit, or fewer files
// than expected.
func outcome(results []domain.FileResult, saved, expect int, writeErr error) error {
	if writeErr != nil {
		return writeErr
	}
	for _, r := range results {
		if r.Err != nil {
			return fmt.Errorf("%s: %w", r.Name, r.Err)
		}
	}
	if expect > 0 && saved < expect {
		return fmt.Errorf("%w: received %d of %d files before the channel closed", domain.ErrTransferIncomplete, saved, expect)
	}
	return nil
}

// answer applies relayed negotiation messages on the answering side.
func answer(ctx context.Context, sig Signaler, peer *rtc.Peer, roomID domain.RoomID, logger *zap.SugaredLogger) {
	for {
		select {
		case msg, ok := <-sig.Events():
			if !ok {
				return
			}
			switch msg.Type {
			case signal.TypeOffer:
				spanCtx, span := tracing.TraceWebRTC(ctx, "answer", string(roomID))
				if err := handleOffer(spanCtx, sig, peer, roomID, msg); err != nil {
					tracing.RecordError(spanCtx, err)
					logger.Warnw("Failed to answer offer", "from", msg.From, "error", err)
				}
				span.End()
			case signal.TypeICECandidate:
				if err := addCandidate(peer, msg); err != nil {
					logger.Warnw("Failed to apply ICE candidate", "from", msg.From, "error", err)
				}
			case signal.TypePeerLeft:
				logger.Infow("Peer left the room", "peer_count", msg.PeerCount)
			}
		case <-ctx.Done():
			return
		}
	}
}

func handleOffer(ctx context.Context, sig Signaler, peer *rtc.Peer, roomID domain.RoomID, msg signal.Message) error {
	offer, err := decodeDescription(msg)
	if err != nil {
		return err
	}
	desc, err := peer.HandleOffer(offer)
	if err != nil {
		return err
	}
	return sig.Relay(ctx, signal.TypeAnswer, roomID, desc)
}

// fileWriter saves received files under dir without overwriting.
type fileWriter struct {
	dir     string
	onSaved func(string, *domain.File)
	logger  *zap.SugaredLogger

	mu    sync.Mutex
	saved int
	err   error
}

func (w *fileWriter) save(f *domain.File) {
	path, err := w.write(f)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.logger.Errorw("Failed to save file", "file", f.Name, "error", err)
		if w.err == nil {
			w.err = err
		}
		return
	}
	w.saved++
	w.logger.Infow("File saved", "file", f.Name, "path", path, "bytes", len(f.Data))
	if w.onSaved != nil {
		w.onSaved(path, f)
	}
}

func (w *fileWriter) write(f *domain.File) (string, error) {
	name := validation.SanitizeFileName(f.Name, "received-file")
	for i := 0; ; i++ {
		path := filepath.Join(w.dir, numbered(name, i))
		out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create %s: %w", path, err)
		}
		if _, err := out.Write(f.Data); err != nil {
			_ = out.Close()
			return "", fmt.Errorf("failed to write %s: %w", path, err)
		}
		return path, out.Close()
	}
}

func (w *fileWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.saved
}

func (w *fileWriter) failure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// numbered turns "a.txt" into "a (1).txt" for i > 0.
func numbered(name string, i int) string {
	if i == 0 {
		return name
	}
	ext := filepath.Ext(name)
	if ext == name {
		ext = ""
	}
	return fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), i, ext)
}
