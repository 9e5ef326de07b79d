package p2p

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"zombiefile/internal/core/domain"
	"zombiefile/internal/core/ports"
	"zombiefile/internal/infrastructure/signal"
	rtc "zombiefile/internal/infrastructure/webrtc"
	"zombiefile/internal/transfer"
	"zombiefile/pkg/tracing"
)

type SendOptions struct {
	// RoomID is generated when empty.
	RoomID         domain.RoomID
	WebRTC         rtc.Config
	Transfer       transfer.SenderConfig
	ConnectTimeout time.Duration
	DrainTimeout   time.Duration
	Observer       ports.TransferObserver

	// OnRoom is called once the room exists, before waiting for the receiver.
	OnRoom func(domain.RoomID)
	// OnConnected is called once the data channel is open.
	OnConnected func()
	OnProgress  func(domain.Progress)
}

// Send creates a room, waits for a receiver to join, negotiates the peer
// connection and sends files over it in order.
func Send(ctx context.Context, sig Signaler, files []domain.File, opts SendOptions, logger *zap.SugaredLogger) ([]domain.FileResult, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no files to send", domain.ErrInvalidPayload)
	}

	roomID := opts.RoomID
	if roomID == "" {
		roomID = domain.RoomID(uuid.NewString())
	}
	logger = logger.With("room_id", roomID)

	if _, err := sig.CreateRoom(ctx, roomID); err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	if opts.OnRoom != nil {
		opts.OnRoom(roomID)
	}
	logger.Infow("Waiting for receiver")

	if err := waitForPeer(ctx, sig.Events()); err != nil {
		return nil, err
	}
	logger.Infow("Receiver joined, negotiating")

	peer, err := rtc.NewPeer(opts.WebRTC, logger)
	if err != nil {
		return nil, err
	}
	defer peer.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dc, err := offer(ctx, sig, peer, roomID, opts.ConnectTimeout, logger)
	if err != nil {
		return nil, err
	}
	recordConnection(opts.Observer, peer)
	if opts.OnConnected != nil {
		opts.OnConnected()
	}

	sender := transfer.NewSender(dc, peer, opts.Transfer, opts.Observer, logger)
	if opts.OnProgress != nil {
		sender.OnProgress(opts.OnProgress)
	}
	dc.OnMessage(func(text string) {
		if err := sender.HandleMessage(text); err != nil {
			logger.Warnw("Rejected data channel message", "error", err)
		}
	})
	go func() {
		select {
		case <-dc.Done():
		case <-peer.Failed():
		case <-ctx.Done():
		}
		sender.Close()
	}()

	if err := sender.Start(); err != nil {
		return nil, fmt.Errorf("failed to start key exchange: %w", err)
	}

	var total int64
	for _, f := range files {
		total += int64(len(f.Data))
	}
	spanCtx, span := tracing.TraceFileTransfer(ctx, string(domain.DirectionSend), batchName(files), total)
	results, err := sender.SendFiles(spanCtx, files)
	if err != nil {
		tracing.RecordError(spanCtx, err)
	}
	span.End()

	// closing with data still queued would drop the tail of the last file, or
	// the markers the receiver needs to report a failed one
	if dc.IsOpen() && ctx.Err() == nil {
		if derr := drain(ctx, dc, opts.DrainTimeout); derr != nil {
			logger.Warnw("Data channel did not drain before close", "error", derr)
		}
	}
	_ = dc.Close()
	return results, err
}

func waitForPeer(ctx context.Context, events <-chan signal.Message) error {
	for {
		select {
		case msg, ok := <-events:
			if !ok {
				return fmt.Errorf("%w: signaling connection lost", domain.ErrChannelClosed)
			}
			if msg.Type == signal.TypePeerJoined {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// offer runs the offerer side of negotiation and returns the open channel.
// Relay events keep being applied in the background until ctx ends.
func offer(ctx context.Context, sig Signaler, peer *rtc.Peer, roomID domain.RoomID, timeout time.Duration, logger *zap.SugaredLogger) (*rtc.DataChannel, error) {
	ctx, span := tracing.TraceWebRTC(ctx, "offer", string(roomID))
	defer span.End()

	relayCandidates(ctx, sig, peer, roomID, logger)

	desc, err := peer.CreateOffer()
	if err != nil {
		return nil, err
	}
	if err := sig.Relay(ctx, signal.TypeOffer, roomID, desc); err != nil {
		return nil, fmt.Errorf("failed to relay offer: %w", err)
	}

	go func() {
		for {
			select {
			case msg, ok := <-sig.Events():
				if !ok {
					return
				}
				switch msg.Type {
				case signal.TypeAnswer:
					answer, err := decodeDescription(msg)
					if err == nil {
						err = peer.HandleAnswer(answer)
					}
					if err != nil {
						logger.Warnw("Failed to apply answer", "from", msg.From, "error", err)
					}
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
	}()

	waitCtx, cancel := context.WithTimeout(ctx, connectTimeout(timeout))
	defer cancel()
	dc, err := peer.WaitChannel(waitCtx)
	if err != nil {
		tracing.RecordError(ctx, err)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("peer connection not established within %s: %w", connectTimeout(timeout), err)
		}
		return nil, err
	}
	return dc, nil
}

func drain(ctx context.Context, dc ports.DataChannel, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for dc.BufferedAmount() > 0 {
		if !dc.IsOpen() {
			return domain.ErrChannelClosed
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func batchName(files []domain.File) string {
	if len(files) == 1 {
		return files[0].Name
	}
	return fmt.Sprintf("%d files", len(files))
}
