package keyexchange

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zombiefile/internal/core/domain"
	"zombiefile/internal/protocol/wire"
)

func TestDerive_Symmetric(t *testing.T) {
	for i := 0; i < 5; i++ {
		a, err := GenerateKey()
		require.NoError(t, err)
		b, err := GenerateKey()
		require.NoError(t, err)

		ab, err := Derive(a, b.PublicKey())
		require.NoError(t, err)
		ba, err := Derive(b, a.PublicKey())
		require.NoError(t, err)

		assert.True(t, ab.Equal(ba))
	}
}

func TestPublicKey_EncodeDecode(t *testing.T) {
	priv, err := GenerateKey()
	require.NoError(t, err)

	encoded := EncodePublicKey(priv.PublicKey())
	decoded, err := DecodePublicKey(encoded)
	require.NoError(t, err)
	assert.True(t, decoded.Equal(priv.PublicKey()))
	// uncompressed P-256 point
	assert.Len(t, decoded.Bytes(), 65)
}

func TestExchange_Handshake(t *testing.T) {
	sender := New(RoleSender, nil)
	receiver := New(RoleReceiver, nil)

	_, err := sender.Secret()
	assert.True(t, errors.Is(err, domain.ErrKeyExchangeFailure), "secret must be gated before Ready")

	offer, err := sender.Start()
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingPeerKey, sender.State())

	msg, err := wire.Parse(offer)
	require.NoError(t, err)
	require.Equal(t, wire.KindSenderPublicKey, msg.Kind)

	reply, err := receiver.HandleSenderKey(msg.Text)
	require.NoError(t, err)
	assert.Equal(t, StateReady, receiver.State())

	msg, err = wire.Parse(reply)
	require.NoError(t, err)
	require.Equal(t, wire.KindReceiverPublicKey, msg.Kind)

	require.NoError(t, sender.HandleReceiverKey(msg.Text))
	assert.Equal(t, StateReady, sender.State())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ss, err := sender.Wait(ctx)
	require.NoError(t, err)
	rs, err := receiver.Wait(ctx)
	require.NoError(t, err)
	assert.True(t, ss.Equal(rs))

	env, err := ss.Encrypt([]byte("hello"))
	require.NoError(t, err)
	plain, err := rs.Decrypt(env)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plain))
}

func TestExchange_BadPeerKeyFailsHard(t *testing.T) {
	receiver := New(RoleReceiver, nil)

	_, err := receiver.HandleSenderKey("not base64!!")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrKeyExchangeFailure))
	assert.Equal(t, StateFailed, receiver.State())

	_, err = receiver.Secret()
	assert.True(t, errors.Is(err, domain.ErrKeyExchangeFailure))

	// a later valid key cannot revive a failed exchange
	priv, _ := GenerateKey()
	_, err = receiver.HandleSenderKey(EncodePublicKey(priv.PublicKey()))
	assert.Error(t, err)
	assert.Equal(t, StateFailed, receiver.State())

	_, err = receiver.Wait(context.Background())
	assert.True(t, errors.Is(err, domain.ErrKeyExchangeFailure))
}

func TestExchange_InvalidPointRejected(t *testing.T) {
	sender := New(RoleSender, nil)
	_, err := sender.Start()
	require.NoError(t, err)

	// valid base64 but not a curve point
	err = sender.HandleReceiverKey("BA" + strings.Repeat("A", 86))
	assert.True(t, errors.Is(err, domain.ErrKeyExchangeFailure))
	assert.Equal(t, StateFailed, sender.State())
}

func TestExchange_RoleMisuse(t *testing.T) {
	_, err := New(RoleReceiver, nil).Start()
	assert.Error(t, err)

	err = New(RoleSender, nil).HandleReceiverKey("AAAA")
	assert.Error(t, err, "receiver key before Start")

	_, err = New(RoleSender, nil).HandleSenderKey("AAAA")
	assert.Error(t, err)
}

func TestExchange_WaitHonoursContext(t *testing.T) {
	sender := New(RoleSender, nil)
	_, err := sender.Start()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sender.Wait(ctx)
	assert.True(t, errors.Is(err, domain.ErrKeyExchangeFailure))

	sender.Fail(errors.New("channel closed"))
	assert.Equal(t, StateFailed, sender.State())
}
