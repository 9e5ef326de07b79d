package memory

import (
	"context"
	"sync"
	"time"

	"zombiefile/internal/core/domain"
	"zombiefile/internal/core/ports"
)

type MemoryRoomRepository struct {
	rooms map[domain.RoomID]*domain.Room
	mu    sync.RWMutex
	now   func() time.Time
}

func NewMemoryRoomRepository() ports.RoomRepository {
	return &MemoryRoomRepository{
		rooms: make(map[domain.RoomID]*domain.Room),
		now:   time.Now,
	}
}

func (r *MemoryRoomRepository) AddMember(ctx context.Context, roomID domain.RoomID, connID domain.ConnectionID) (*domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	room, exists := r.rooms[roomID]
	if !exists {
		room = &domain.Room{ID: roomID, CreatedAt: now}
		r.rooms[roomID] = room
	}
	addMember(room, connID)
	room.LastActivity = now

	return cloneRoom(room), nil
}

func (r *MemoryRoomRepository) JoinMember(ctx context.Context, roomID domain.RoomID, connID domain.ConnectionID) (*domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[roomID]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}
	addMember(room, connID)
	room.LastActivity = r.now()

	return cloneRoom(room), nil
}

func (r *MemoryRoomRepository) RemoveMember(ctx context.Context, roomID domain.RoomID, connID domain.ConnectionID) (*domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[roomID]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}

	members := room.Members[:0]
	for _, m := range room.Members {
		if m != connID {
			members = append(members, m)
		}
	}
	room.Members = members
	room.LastActivity = r.now()

	if len(room.Members) == 0 {
		delete(r.rooms, roomID)
	}
	return cloneRoom(room), nil
}

func (r *MemoryRoomRepository) GetByID(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, exists := r.rooms[roomID]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}
	return cloneRoom(room), nil
}

func (r *MemoryRoomRepository) Touch(ctx context.Context, roomID domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[roomID]
	if !exists {
		return domain.ErrRoomNotFound
	}
	room.LastActivity = r.now()
	return nil
}

func (r *MemoryRoomRepository) Delete(ctx context.Context, roomID domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[roomID]; !exists {
		return domain.ErrRoomNotFound
	}
	delete(r.rooms, roomID)
	return nil
}

func (r *MemoryRoomRepository) ExpireIdle(ctx context.Context, cutoff time.Time) ([]domain.RoomID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []domain.RoomID
	for id, room := range r.rooms {
		if room.LastActivity.Before(cutoff) {
			delete(r.rooms, id)
			expired = append(expired, id)
		}
	}
	return expired, nil
}

func (r *MemoryRoomRepository) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms), nil
}

func addMember(room *domain.Room, connID domain.ConnectionID) {
	for _, m := range room.Members {
		if m == connID {
			return
		}
	}
	room.Members = append(room.Members, connID)
}

func cloneRoom(room *domain.Room) *domain.Room {
	c := *room
	c.Members = append([]domain.ConnectionID(nil), room.Members...)
	return &c
}
