package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"zombiefile/internal/core/domain"
	"zombiefile/internal/core/ports"
	"zombiefile/pkg/validation"
)

type RoomServiceConfig struct {
	IdleTTL         time.Duration
	JanitorInterval time.Duration
	MaxIDLength     int

	// SweepLock, when set, makes idle-room sweeps exclusive across instances
	// sharing one store.
	SweepLock ports.Locker
}

// roomService is the rendezvous directory. Connections are tracked locally so
// a disconnect can leave every room it joined.
type roomService struct {
	repo   ports.RoomRepository
	cfg    RoomServiceConfig
	logger *zap.SugaredLogger

	mu          sync.Mutex
	memberships map[domain.ConnectionID]map[domain.RoomID]struct{}

	onExpire func(domain.RoomID)
}

func NewRoomService(repo ports.RoomRepository, cfg RoomServiceConfig, logger *zap.SugaredLogger) ports.RoomService {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &roomService{
		repo:        repo,
		cfg:         cfg,
		logger:      logger,
		memberships: make(map[domain.ConnectionID]map[domain.RoomID]struct{}),
	}
}

func (s *roomService) validate(roomID domain.RoomID) error {
	if err := validation.ValidateRoomID(string(roomID), s.cfg.MaxIDLength); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return nil
}

// CreateRoom creates the room or, if it already exists, adds the caller to it.
func (s *roomService) CreateRoom(ctx context.Context, roomID domain.RoomID, connID domain.ConnectionID) (*domain.Room, error) {
	if err := s.validate(roomID); err != nil {
		return nil, err
	}
	room, err := s.repo.AddMember(ctx, roomID, connID)
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	s.remember(connID, roomID)

	s.logger.Infow("Room created",
		"room_id", roomID,
		"conn_id", connID,
		"peer_count", room.PeerCount(),
	)
	return room, nil
}

func (s *roomService) JoinRoom(ctx context.Context, roomID domain.RoomID, connID domain.ConnectionID) (*domain.Room, error) {
	if err := s.validate(roomID); err != nil {
		return nil, err
	}
	room, err := s.repo.JoinMember(ctx, roomID, connID)
	if err != nil {
		if errors.Is(err, domain.ErrRoomNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to join room: %w", err)
	}
	s.remember(connID, roomID)

	s.logger.Infow("Peer joined room",
		"room_id", roomID,
		"conn_id", connID,
		"peer_count", room.PeerCount(),
	)
	return room, nil
}

func (s *roomService) LeaveRoom(ctx context.Context, roomID domain.RoomID, connID domain.ConnectionID) (*domain.Room, error) {
	s.forget(connID, roomID)

	room, err := s.repo.RemoveMember(ctx, roomID, connID)
	if err != nil {
		return nil, err
	}
	if room.PeerCount() == 0 {
		s.logger.Infow("Room deleted", "room_id", roomID)
	}
	return room, nil
}

func (s *roomService) Disconnect(ctx context.Context, connID domain.ConnectionID) []*domain.Room {
	s.mu.Lock()
	joined := s.memberships[connID]
	delete(s.memberships, connID)
	s.mu.Unlock()

	left := make([]*domain.Room, 0, len(joined))
	for roomID := range joined {
		room, err := s.repo.RemoveMember(ctx, roomID, connID)
		if err != nil {
			if !errors.Is(err, domain.ErrRoomNotFound) {
				s.logger.Warnw("Failed to remove member on disconnect",
					"room_id", roomID,
					"conn_id", connID,
					"error", err,
				)
			}
			continue
		}
		if room.PeerCount() == 0 {
			s.logger.Infow("Room deleted", "room_id", roomID)
		}
		left = append(left, room)
	}
	return left
}

func (s *roomService) Recipients(ctx context.Context, roomID domain.RoomID, connID domain.ConnectionID) ([]domain.ConnectionID, error) {
	room, err := s.repo.GetByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return room.Others(connID), nil
}

func (s *roomService) GetRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	return s.repo.GetByID(ctx, roomID)
}

func (s *roomService) Touch(ctx context.Context, roomID domain.RoomID) {
	if err := s.repo.Touch(ctx, roomID); err != nil && !errors.Is(err, domain.ErrRoomNotFound) {
		s.logger.Debugw("Failed to touch room", "room_id", roomID, "error", err)
	}
}

func (s *roomService) Stats(ctx context.Context) (domain.RelayStats, error) {
	rooms, err := s.repo.Count(ctx)
	if err != nil {
		return domain.RelayStats{}, err
	}
	s.mu.Lock()
	conns := len(s.memberships)
	s.mu.Unlock()

	return domain.RelayStats{
		ActiveRooms:       rooms,
		ActiveConnections: conns,
		Timestamp:         time.Now(),
	}, nil
}

func (s *roomService) OnExpire(f func(domain.RoomID)) {
	s.onExpire = f
}

func (s *roomService) RunJanitor(ctx context.Context) {
	if s.cfg.IdleTTL <= 0 || s.cfg.JanitorInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.expireIdle(ctx)
		}
	}
}

func (s *roomService) expireIdle(ctx context.Context) {
	if lock := s.cfg.SweepLock; lock != nil {
		ok, err := lock.TryLock(ctx)
		if err != nil {
			s.logger.Warnw("Failed to take sweep lock", "error", err)
			return
		}
		if !ok {
			return
		}
		defer func() {
			if err := lock.Unlock(ctx); err != nil {
				s.logger.Debugw("Sweep lock release failed", "error", err)
			}
		}()
	}

	expired, err := s.repo.ExpireIdle(ctx, time.Now().Add(-s.cfg.IdleTTL))
	if err != nil {
		s.logger.Warnw("Failed to expire idle rooms", "error", err)
		return
	}
	if len(expired) == 0 {
		return
	}

	s.mu.Lock()
	for _, rooms := range s.memberships {
		for _, id := range expired {
			delete(rooms, id)
		}
	}
	s.mu.Unlock()

	s.logger.Infow("Expired idle rooms", "count", len(expired))
	if s.onExpire != nil {
		for _, id := range expired {
			s.onExpire(id)
		}
	}
}

func (s *roomService) remember(connID domain.ConnectionID, roomID domain.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms, ok := s.memberships[connID]
	if !ok {
		rooms = make(map[domain.RoomID]struct{})
		s.memberships[connID] = rooms
	}
	rooms[roomID] = struct{}{}
}

func (s *roomService) forget(connID domain.ConnectionID, roomID domain.RoomID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rooms, ok := s.memberships[connID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(s.memberships, connID)
		}
	}
}
