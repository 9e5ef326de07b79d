package p2p

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"zombiefile/internal/core/domain"
	"zombiefile/internal/core/services"
	"zombiefile/internal/infrastructure/repositories/memory"
	"zombiefile/internal/infrastructure/signal"
	rtc "zombiefile/internal/infrastructure/webrtc"
	"zombiefile/internal/transfer"
	"zombiefile/pkg/retry"
)

func TestJoinLink_RoundTrip(t *testing.T) {
	for _, id := range []domain.RoomID{"6f1c1f9e-2c4b-4a8e-9d51-0f2a6f0d7c11", "room with spaces", "a/b"} {
		link := JoinLink("https://zombiefile.example/", id)
		assert.True(t, strings.HasPrefix(link, "https://zombiefile.example/join/"), link)

		got, err := ParseJoinTarget(link)
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
}

func TestParseJoinTarget(t *testing.T) {
	id, err := ParseJoinTarget("  abc-123 ")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("abc-123"), id)

	id, err = ParseJoinTarget("http://localhost:8080/join/r1/")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomID("r1"), id)

	for _, bad := range []string{"", "https://host/other/r1", "https://host/join/"} {
		_, err := ParseJoinTarget(bad)
		assert.ErrorIs(t, err, domain.ErrInvalidPayload, bad)
	}
}

func TestNumbered(t *testing.T) {
	assert.Equal(t, "a.txt", numbered("a.txt", 0))
	assert.Equal(t, "a (2).txt", numbered("a.txt", 2))
	assert.Equal(t, "archive.tar (1).gz", numbered("archive.tar.gz", 1))
	assert.Equal(t, ".env (1)", numbered(".env", 1))
	assert.Equal(t, "README (1)", numbered("README", 1))
}

func TestFileWriter_NeverOverwrites(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	w := &fileWriter{dir: dir, logger: zaptest.NewLogger(t).Sugar(), onSaved: func(p string, _ *domain.File) {
		paths = append(paths, p)
	}}

	w.save(&domain.File{Name: "../../etc/passwd", Data: []byte("one")})
	w.save(&domain.File{Name: "passwd", Data: []byte("two")})
	w.save(&domain.File{Name: "", Data: []byte("three")})

	require.NoError(t, w.failure())
	assert.Equal(t, 3, w.count())
	assert.Equal(t, []string{
		filepath.Join(dir, "passwd"),
		filepath.Join(dir, "passwd (1)"),
		filepath.Join(dir, "received-file"),
	}, paths)

	data, err := os.ReadFile(filepath.Join(dir, "passwd (1)"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestFileWriter_RecordsFirstError(t *testing.T) {
	w := &fileWriter{dir: filepath.Join(t.TempDir(), "missing"), logger: zaptest.NewLogger(t).Sugar()}
	w.save(&domain.File{Name: "a", Data: []byte("x")})
	assert.Error(t, w.failure())
	assert.Equal(t, 0, w.count())
}

type closedSignaler struct{ events chan signal.Message }

func (s closedSignaler) CreateRoom(context.Context, domain.RoomID) (int, error) { return 1, nil }
func (s closedSignaler) JoinRoom(context.Context, domain.RoomID) (int, error)   { return 2, nil }
func (s closedSignaler) Relay(context.Context, string, domain.RoomID, any) error {
	return nil
}
func (s closedSignaler) Events() <-chan signal.Message { return s.events }

func TestSend_RequiresFiles(t *testing.T) {
	_, err := Send(context.Background(), closedSignaler{}, nil, SendOptions{}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestSend_SignalingLostWhileWaiting(t *testing.T) {
	events := make(chan signal.Message)
	close(events)

	var room domain.RoomID
	_, err := Send(context.Background(), closedSignaler{events: events},
		[]domain.File{{Name: "a", Data: []byte("x")}},
		SendOptions{OnRoom: func(id domain.RoomID) { room = id }}, nil)

	assert.ErrorIs(t, err, domain.ErrChannelClosed)
	assert.Len(t, string(room), 36, "generated room id is a uuid")
}

func TestWaitForPeer_IgnoresOtherEvents(t *testing.T) {
	events := make(chan signal.Message, 3)
	events <- signal.Message{Type: signal.TypeICECandidate}
	events <- signal.Message{Type: signal.TypePeerJoined, PeerCount: 2}
	require.NoError(t, waitForPeer(context.Background(), events))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, waitForPeer(ctx, events), context.Canceled)
}

func TestSendReceive_EndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("opens UDP sockets")
	}

	rooms := services.NewRoomService(memory.NewMemoryRoomRepository(), services.RoomServiceConfig{
		IdleTTL:     time.Hour,
		MaxIDLength: 256,
	}, nil)
	srv := signal.NewWebSocketServer(rooms, signal.DefaultServerConfig(), nil)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	clientCfg := signal.DefaultClientConfig()
	clientCfg.Retry = retry.Config{Enabled: false}
	dial := func() *signal.Client {
		c, err := signal.Dial(context.Background(), url, clientCfg, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	senderSig, receiverSig := dial(), dial()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	noise := make([]byte, 200000)
	_, err := rand.Read(noise)
	require.NoError(t, err)

	files := []domain.File{
		{Name: "notes.txt", MIME: "text/plain", Data: bytes.Repeat([]byte("zombie file transfer "), 20000)},
		{Name: "blob.bin", Data: bytes.Repeat([]byte{0, 1, 2, 3, 4, 5, 6, 7}, 40000)},
		{Name: "random.bin", Data: noise},
	}
	webrtcCfg := rtc.Config{IncludeLoopback: true}
	out := t.TempDir()

	roomCh := make(chan domain.RoomID, 1)
	type sent struct {
		results []domain.FileResult
		err     error
	}
	sendDone := make(chan sent, 1)
	go func() {
		results, err := Send(ctx, senderSig, files, SendOptions{
			WebRTC:   webrtcCfg,
			Transfer: transfer.DefaultSenderConfig(),
			OnRoom:   func(id domain.RoomID) { roomCh <- id },
		}, zaptest.NewLogger(t).Sugar())
		sendDone <- sent{results, err}
	}()

	var roomID domain.RoomID
	select {
	case roomID = <-roomCh:
	case <-ctx.Done():
		t.Fatal("room was not created")
	}

	received, err := Receive(ctx, receiverSig, roomID, ReceiveOptions{
		WebRTC:    webrtcCfg,
		OutputDir: out,
		Expect:    len(files),
	}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	require.Len(t, received, len(files))

	res := <-sendDone
	require.NoError(t, res.err)
	require.Len(t, res.results, len(files))
	for i, r := range res.results {
		assert.Equal(t, domain.StatusSent, r.Status, files[i].Name)
		assert.Equal(t, domain.StatusReceived, received[i].Status, files[i].Name)

		data, err := os.ReadFile(filepath.Join(out, files[i].Name))
		require.NoError(t, err)
		assert.True(t, bytes.Equal(files[i].Data, data), files[i].Name)
	}
}

func TestOutcome(t *testing.T) {
	writeErr := errors.New("disk full")
	tampered := fmt.Errorf("%w: message authentication failed", domain.ErrAuthenticationFailure)

	cases := []struct {
		name    string
		results []domain.FileResult
		saved   int
		expect  int
		write   error
		want    error
	}{
		{name: "all expected files saved", results: []domain.FileResult{{Name: "a", Status: domain.StatusReceived}}, saved: 1, expect: 1},
		{name: "sender closed without expect", saved: 0, expect: 0},
		{name: "closed before any file", saved: 0, expect: 1, want: domain.ErrTransferIncomplete},
		{name: "closed after some files", results: []domain.FileResult{{Name: "a", Status: domain.StatusReceived}}, saved: 1, expect: 3, want: domain.ErrTransferIncomplete},
		{
			name:    "in-flight file cut off",
			results: []domain.FileResult{{Name: "a", Status: domain.StatusFailed, Err: fmt.Errorf("%w: %v", domain.ErrTransferIncomplete, domain.ErrChannelClosed)}},
			want:    domain.ErrTransferIncomplete,
		},
		{name: "tampered file", results: []domain.FileResult{{Name: "a", Status: domain.StatusFailed, Err: tampered}}, want: domain.ErrAuthenticationFailure},
		{name: "write failure wins", saved: 0, expect: 1, write: writeErr, want: writeErr},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := outcome(tc.results, tc.saved, tc.expect, tc.write)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

type queuedChannel struct {
	mu       sync.Mutex
	buffered uint64
	open     bool
}

func (c *queuedChannel) SendText(string) error { return nil }

func (c *queuedChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.buffered
	if c.buffered >= 1000 {
		c.buffered -= 1000
	}
	return b
}

func (c *queuedChannel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func TestDrain(t *testing.T) {
	ctx := context.Background()

	ch := &queuedChannel{buffered: 3000, open: true}
	require.NoError(t, drain(ctx, ch, time.Second))
	assert.Zero(t, ch.BufferedAmount())

	closed := &queuedChannel{buffered: 5000, open: false}
	assert.ErrorIs(t, drain(ctx, closed, time.Second), domain.ErrChannelClosed)

	stuck := &queuedChannel{buffered: 500, open: true}
	assert.ErrorIs(t, drain(ctx, stuck, 50*time.Millisecond), context.DeadlineExceeded)
}
