package ports

import "zombiefile/internal/core/domain"

// TransferObserver receives per-chunk and per-file transfer events, typically
// to feed metrics.
type TransferObserver interface {
	ChunkTransferred(direction domain.Direction, plainBytes, wireBytes int)
	FileFinished(direction domain.Direction, status domain.TransferStatus, bytes int64)
	SendDeferred()
}
