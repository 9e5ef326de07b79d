package p2p

import (
	"fmt"
	"net/url"
	"strings"

	"zombiefile/internal/core/domain"
)

const joinPath = "/join/"

// JoinLink builds the link a receiver opens to join roomID.
func JoinLink(base string, roomID domain.RoomID) string {
	return strings.TrimRight(base, "/") + joinPath + url.PathEscape(string(roomID))
}

// ParseJoinTarget accepts either a join link or a bare room id.
func ParseJoinTarget(target string) (domain.RoomID, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", fmt.Errorf("%w: empty room id", domain.ErrInvalidPayload)
	}

	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return domain.RoomID(target), nil
	}

	i := strings.LastIndex(u.EscapedPath(), joinPath)
	if i < 0 {
		return "", fmt.Errorf("%w: %q is not a join link", domain.ErrInvalidPayload, target)
	}
	id, err := url.PathUnescape(strings.Trim(u.EscapedPath()[i+len(joinPath):], "/"))
	if err != nil || id == "" {
		return "", fmt.Errorf("%w: %q has no room id", domain.ErrInvalidPayload, target)
	}
	return domain.RoomID(id), nil
}
