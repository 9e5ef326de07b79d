package commands

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zombiefile/internal/core/domain"
	"zombiefile/pkg/config"
)

func TestSenderConfig_FromDefaults(t *testing.T) {
	sc := senderConfig(config.DefaultConfig())
	assert.Equal(t, 75000, sc.Sizer.TargetBuffer)
	assert.Equal(t, 10000, sc.Sizer.MinChunk)
	assert.Equal(t, 100000, sc.Sizer.MaxChunk)
	assert.True(t, sc.Sizer.Randomize)
	assert.False(t, sc.Sizer.UseBandwidth)
	assert.Equal(t, 50*time.Millisecond, sc.PollInterval)
	assert.Equal(t, 0.9, sc.CompressionThreshold)
	assert.True(t, sc.SendFileEnd)
}

func TestSenderConfig_BandwidthVariant(t *testing.T) {
	c := config.DefaultConfig()
	c.Transfer.UseBandwidth = true
	c.Transfer.RandomizeChunkSize = false
	c.Transfer.TargetBuffer = 0
	c.Transfer.MaxChunkSize = 0

	sc := senderConfig(c)
	assert.True(t, sc.Sizer.UseBandwidth)
	assert.False(t, sc.Sizer.Randomize)
	assert.Equal(t, 60000, sc.Sizer.TargetBuffer)
	assert.Equal(t, 160000, sc.Sizer.MaxChunk)
}

func TestReadFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	files, err := readFiles([]string{path})
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "hello.txt", files[0].Name)
	assert.Equal(t, []byte("hello"), files[0].Data)

	_, err = readFiles([]string{dir})
	assert.Error(t, err)
	_, err = readFiles([]string{filepath.Join(dir, "missing")})
	assert.Error(t, err)
}

func TestPrintResults(t *testing.T) {
	var buf bytes.Buffer
	printResults(&buf, []domain.FileResult{
		{Name: "a.txt", Status: domain.StatusSent, Bytes: 5},
		{Name: "b.txt", Status: domain.StatusAborted, Err: errors.New("channel closed")},
	})
	assert.Equal(t, "sent     a.txt (5 B)\naborted  b.txt: channel closed\n", buf.String())
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, []domain.FileResult{
		{Name: "a", Status: domain.StatusReceived, Bytes: 2048},
		{Name: "b", Status: domain.StatusReceived, Bytes: 2048},
		{Name: "c", Status: domain.StatusAborted, Err: errors.New("channel closed")},
	}, 2*time.Second)
	assert.Equal(t, "2/3 files, 4.0 KiB in 2.00s (2.0 KiB/s)\n", buf.String())

	buf.Reset()
	printSummary(&buf, []domain.FileResult{{Name: "c", Err: errors.New("x")}}, time.Second)
	assert.Empty(t, buf.String())
}

func TestProgressPrinter(t *testing.T) {
	var buf bytes.Buffer
	show := progressPrinter(&buf)
	show(domain.Progress{Direction: domain.DirectionReceive, File: "a", Transferred: 5, Total: 10, Percent: 50})
	show(domain.Progress{Direction: domain.DirectionReceive, File: "a", Transferred: 10, Total: 10, Percent: 100})
	assert.Equal(t, "\rreceive a:  50% (5/10 bytes)\rreceive a: 100% (10/10 bytes)\n", buf.String())
}

func TestLoadConfig_ExplicitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client:\n  output_dir: /tmp/zf\n"), 0o644))

	c, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/zf", c.Client.OutputDir)

	require.NoError(t, os.WriteFile(path, []byte("signal: [not a map"), 0o644))
	_, err = loadConfig(path)
	assert.Error(t, err)
}
