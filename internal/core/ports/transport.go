package ports

// DataChannel is the reliable, ordered peer-to-peer channel used for both the
// key exchange and the file transfer.
type DataChannel interface {
	SendText(text string) error
	BufferedAmount() uint64
	IsOpen() bool
}

// BufferLowNotifier is implemented by channels that can signal when the
// outbound queue drains below a threshold.
type BufferLowNotifier interface {
	SetBufferedAmountLowThreshold(threshold uint64)
	OnBufferedAmountLow(f func())
}

// MessageLimiter is implemented by channels that cap the size of a single
// message in bytes.
type MessageLimiter interface {
	MaxMessageSize() int
}

// BandwidthEstimator reports the available outgoing bitrate of the live
// connection in bits per second. ok is false when no estimate exists.
type BandwidthEstimator interface {
	AvailableOutgoingBitrate() (bps float64, ok bool)
}

// MIMESniffer maps file content to a MIME type.
type MIMESniffer func(data []byte) string
