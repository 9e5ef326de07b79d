// Package keyexchange runs the ephemeral P-256 ECDH handshake that precedes
// every transfer on a data channel. The sender speaks first; the receiver
// derives as soon as it sees the sender key and answers with its own.
package keyexchange

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"zombiefile/internal/core/domain"
	"zombiefile/internal/protocol/chunkcipher"
	"zombiefile/internal/protocol/wire"
)

const hkdfInfo = "zombiefile chunk key v1"

type Role string

const (
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

type State string

const (
	StateIdle            State = "idle"
	StateAwaitingPeerKey State = "awaiting_peer_key"
	StateDeriving        State = "deriving"
	StateReady           State = "ready"
	StateFailed          State = "failed"
)

// Exchange is the handshake state of one data channel session.
type Exchange struct {
	role   Role
	logger *zap.SugaredLogger

	mu     sync.Mutex
	state  State
	priv   *ecdh.PrivateKey
	secret *chunkcipher.Secret
	err    error
	done   chan struct{}
}

func New(role Role, logger *zap.SugaredLogger) *Exchange {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Exchange{
		role:   role,
		logger: logger,
		state:  StateIdle,
		done:   make(chan struct{}),
	}
}

func (e *Exchange) Role() Role {
	return e.role
}

func (e *Exchange) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start generates the sender key pair and returns the SENDERPUBLICKEY marker
// to transmit. Only the sender starts an exchange.
func (e *Exchange) Start() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.role != RoleSender {
		return "", fmt.Errorf("%w: only the sender starts an exchange", domain.ErrKeyExchangeFailure)
	}
	if e.state != StateIdle {
		return "", fmt.Errorf("%w: exchange already started (%s)", domain.ErrKeyExchangeFailure, e.state)
	}

	priv, err := GenerateKey()
	if err != nil {
		e.failLocked(err)
		return "", e.err
	}
	e.priv = priv
	e.state = StateAwaitingPeerKey
	e.logger.Debugw("Key exchange started", "role", e.role)

	return wire.SenderPublicKey(EncodePublicKey(priv.PublicKey())), nil
}

// HandleSenderKey is the receiver side: it derives the shared secret from the
// sender's public key and returns the RECEIVERPUBLICKEY reply. An import or
// derivation error fails the exchange for good.
func (e *Exchange) HandleSenderKey(encoded string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.role != RoleReceiver {
		return "", fmt.Errorf("%w: sender key received by sender", domain.ErrKeyExchangeFailure)
	}
	if e.state != StateIdle {
		return "", fmt.Errorf("%w: unexpected sender key in state %s", domain.ErrKeyExchangeFailure, e.state)
	}
	e.state = StateDeriving

	peer, err := DecodePublicKey(encoded)
	if err != nil {
		e.failLocked(err)
		return "", e.err
	}
	priv, err := GenerateKey()
	if err != nil {
		e.failLocked(err)
		return "", e.err
	}
	secret, err := Derive(priv, peer)
	if err != nil {
		e.failLocked(err)
		return "", e.err
	}

	e.priv = priv
	e.readyLocked(secret)
	return wire.ReceiverPublicKey(EncodePublicKey(priv.PublicKey())), nil
}

// HandleReceiverKey completes the sender side of the exchange.
func (e *Exchange) HandleReceiverKey(encoded string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.role != RoleSender {
		return fmt.Errorf("%w: receiver key received by receiver", domain.ErrKeyExchangeFailure)
	}
	if e.state != StateAwaitingPeerKey {
		return fmt.Errorf("%w: unexpected receiver key in state %s", domain.ErrKeyExchangeFailure, e.state)
	}

	peer, err := DecodePublicKey(encoded)
	if err != nil {
		e.failLocked(err)
		return e.err
	}
	secret, err := Derive(e.priv, peer)
	if err != nil {
		e.failLocked(err)
		return e.err
	}

	e.readyLocked(secret)
	return nil
}

// Fail aborts an exchange that has not reached Ready, e.g. when the channel
// closes first.
func (e *Exchange) Fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateReady || e.state == StateFailed {
		return
	}
	e.failLocked(err)
}

// Secret returns the shared secret. It is the only way to obtain one and
// fails unless the exchange is Ready.
func (e *Exchange) Secret() (*chunkcipher.Secret, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateReady:
		return e.secret, nil
	case StateFailed:
		return nil, e.err
	default:
		return nil, fmt.Errorf("%w: secret used in state %s", domain.ErrKeyExchangeFailure, e.state)
	}
}

// Wait blocks until the exchange is Ready or Failed.
func (e *Exchange) Wait(ctx context.Context) (*chunkcipher.Secret, error) {
	select {
	case <-e.done:
		return e.Secret()
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyExchangeFailure, ctx.Err())
	}
}

func (e *Exchange) readyLocked(secret *chunkcipher.Secret) {
	e.secret = secret
	e.state = StateReady
	close(e.done)
	e.logger.Infow("Key exchange complete",
		"role", e.role,
		"fingerprint", secret.Fingerprint(),
	)
}

func (e *Exchange) failLocked(err error) {
	e.priv = nil
	e.err = fmt.Errorf("%w: %v", domain.ErrKeyExchangeFailure, err)
	e.state = StateFailed
	close(e.done)
	e.logger.Errorw("Key exchange failed", "role", e.role, "error", err)
}

func GenerateKey() (*ecdh.PrivateKey, error) {
	return ecdh.P256().GenerateKey(rand.Reader)
}

// EncodePublicKey returns the base64 form of the uncompressed raw point.
func EncodePublicKey(pub *ecdh.PublicKey) string {
	return base64.StdEncoding.EncodeToString(pub.Bytes())
}

func DecodePublicKey(encoded string) (*ecdh.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("import public key: %w", err)
	}
	return pub, nil
}

// Derive runs ECDH and expands the shared point into an AES-256 key with
// HKDF-SHA256.
func Derive(priv *ecdh.PrivateKey, peer *ecdh.PublicKey) (*chunkcipher.Secret, error) {
	if priv == nil || peer == nil {
		return nil, fmt.Errorf("missing key material")
	}
	shared, err := priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}

	key := make([]byte, chunkcipher.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return chunkcipher.NewSecret(key)
}
