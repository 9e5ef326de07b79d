package ports

import (
	"context"

	"zombiefile/internal/core/domain"
)

// RoomService is the rendezvous directory used by the signaling relay.
type RoomService interface {
	// CreateRoom creates the room, or adds the caller if it already exists.
	CreateRoom(ctx context.Context, roomID domain.RoomID, connID domain.ConnectionID) (*domain.Room, error)
	JoinRoom(ctx context.Context, roomID domain.RoomID, connID domain.ConnectionID) (*domain.Room, error)
	LeaveRoom(ctx context.Context, roomID domain.RoomID, connID domain.ConnectionID) (*domain.Room, error)
	// Disconnect removes the connection from every room it joined and returns
	// each room as it was left behind.
	Disconnect(ctx context.Context, connID domain.ConnectionID) []*domain.Room
	// Recipients returns the members of roomID other than connID.
	Recipients(ctx context.Context, roomID domain.RoomID, connID domain.ConnectionID) ([]domain.ConnectionID, error)
	GetRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error)
	Touch(ctx context.Context, roomID domain.RoomID)
	Stats(ctx context.Context) (domain.RelayStats, error)
	// RunJanitor expires idle rooms until ctx is done.
	RunJanitor(ctx context.Context)
	OnExpire(f func(domain.RoomID))
}
