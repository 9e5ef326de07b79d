package domain

import "time"

// RelayStats is a point-in-time view of the rendezvous directory.
type RelayStats struct {
	ActiveRooms       int
	ActiveConnections int
	Timestamp         time.Time
}

// TransferStats summarises one finished batch on a peer.
type TransferStats struct {
	Files      int
	Failed     int
	Bytes      int64
	WireBytes  int64
	Chunks     int
	Compressed int
	Deferrals  int
	Duration   time.Duration
}
