package domain

import "time"

type RoomID string
type ConnectionID string

// Room is a rendezvous point for the two peers of one transfer.
type Room struct {
	ID           RoomID
	Members      []ConnectionID
	CreatedAt    time.Time
	LastActivity time.Time
}

func (r *Room) PeerCount() int {
	return len(r.Members)
}

// Others returns every member except the given connection.
func (r *Room) Others(self ConnectionID) []ConnectionID {
	others := make([]ConnectionID, 0, len(r.Members))
	for _, m := range r.Members {
		if m != self {
			others = append(others, m)
		}
	}
	return others
}
