package ports

import (
	"context"
	"time"

	"zombiefile/internal/core/domain"
)

// RoomRepository stores room membership. Every mutation of one room's member
// set is atomic with respect to concurrent calls on the same room.
type RoomRepository interface {
	// AddMember creates the room if needed and adds the connection to it.
	AddMember(ctx context.Context, roomID domain.RoomID, connID domain.ConnectionID) (*domain.Room, error)
	// JoinMember adds the connection to an existing room or returns domain.ErrRoomNotFound.
	JoinMember(ctx context.Context, roomID domain.RoomID, connID domain.ConnectionID) (*domain.Room, error)
	// RemoveMember removes the connection; the room is deleted once empty.
	RemoveMember(ctx context.Context, roomID domain.RoomID, connID domain.ConnectionID) (*domain.Room, error)
	GetByID(ctx context.Context, roomID domain.RoomID) (*domain.Room, error)
	Touch(ctx context.Context, roomID domain.RoomID) error
	Delete(ctx context.Context, roomID domain.RoomID) error
	// ExpireIdle deletes rooms whose last activity is before the cutoff.
	ExpireIdle(ctx context.Context, cutoff time.Time) ([]domain.RoomID, error)
	Count(ctx context.Context) (int, error)
}

// Locker guards work that only one relay instance should do at a time.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}
