// Package p2p runs one side of a transfer: it negotiates the peer connection
// through the signaling relay, then hands the data channel to the transfer
// layer.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"zombiefile/internal/core/domain"
	"zombiefile/internal/core/ports"
	"zombiefile/internal/infrastructure/signal"
	rtc "zombiefile/internal/infrastructure/webrtc"
)

// Signaler is the relay connection used for negotiation. *signal.Client
// implements it.
type Signaler interface {
	CreateRoom(ctx context.Context, roomID domain.RoomID) (int, error)
	JoinRoom(ctx context.Context, roomID domain.RoomID) (int, error)
	Relay(ctx context.Context, msgType string, roomID domain.RoomID, payload any) error
	Events() <-chan signal.Message
}

// ConnectionRecorder is optionally implemented by the transfer observer to
// record how long negotiation took.
type ConnectionRecorder interface {
	RecordWebRTCConnection(d time.Duration)
}

const defaultConnectTimeout = 30 * time.Second

// relayCandidates forwards local ICE candidates to the room.
func relayCandidates(ctx context.Context, sig Signaler, peer *rtc.Peer, roomID domain.RoomID, logger *zap.SugaredLogger) {
	peer.OnICECandidate(func(c webrtc.ICECandidateInit) {
		go func() {
			if err := sig.Relay(ctx, signal.TypeICECandidate, roomID, c); err != nil {
				logger.Warnw("Failed to relay ICE candidate", "room_id", roomID, "error", err)
			}
		}()
	})
}

func addCandidate(peer *rtc.Peer, msg signal.Message) error {
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Payload, &c); err != nil {
		return fmt.Errorf("%w: ice candidate: %v", domain.ErrInvalidPayload, err)
	}
	return peer.AddICECandidate(c)
}

func decodeDescription(msg signal.Message) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(msg.Payload, &desc); err != nil {
		return desc, fmt.Errorf("%w: %s: %v", domain.ErrInvalidPayload, msg.Type, err)
	}
	return desc, nil
}

func recordConnection(observer ports.TransferObserver, peer *rtc.Peer) {
	if r, ok := observer.(ConnectionRecorder); ok {
		if d := peer.ConnectDuration(); d > 0 {
			r.RecordWebRTCConnection(d)
		}
	}
}

func connectTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultConnectTimeout
	}
	return d
}
