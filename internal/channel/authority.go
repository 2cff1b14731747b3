package channel

import (
	"context"
	"fmt"
)

// RoomMembership answers room questions from durable storage.
type RoomMembership interface {
	IsMember(ctx context.Context, identity, roomID string) (bool, error)
	RoomsOf(ctx context.Context, identity string) ([]string, error)
}

// Authority decides whether an identity may join a channel.
type Authority struct {
	rooms RoomMembership
}

func NewAuthority(rooms RoomMembership) *Authority {
	return &Authority{rooms: rooms}
}

// CanJoin reports whether identity may join name. Malformed names return
// ErrInvalidChannel; storage failures are returned as-is.
func (a *Authority) CanJoin(ctx context.Context, identity, name string) (bool, error) {
	ref, err := Parse(name)
	if err != nil {
		return false, err
	}

	switch ref.Kind {
	case KindPublic, KindChat:
		return true, nil
	case KindDirect:
		return identity == ref.Parties[0] || identity == ref.Parties[1], nil
	case KindInbox:
		return identity == ref.Owner, nil
	case KindRoom:
		if a.rooms == nil {
			return false, nil
		}
		ok, err := a.rooms.IsMember(ctx, identity, ref.RoomID)
		if err != nil {
			return false, fmt.Errorf("check room membership: %w", err)
		}
		return ok, nil
	}
	return false, fmt.Errorf("%w: %q", ErrInvalidChannel, name)
}

// InitialChannels lists what a freshly authenticated identity joins: public,
// chat, its inbox, both direct patterns and every room it belongs to.
func (a *Authority) InitialChannels(ctx context.Context, identity string) ([]string, error) {
	inbox, err := Inbox(identity)
	if err != nil {
		return nil, err
	}
	first, second, err := DirectPatterns(identity)
	if err != nil {
		return nil, err
	}
	channels := []string{Public(), Chat(), inbox, first, second}

	if a.rooms == nil {
		return channels, nil
	}
	roomIDs, err := a.rooms.RoomsOf(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	for _, id := range roomIDs {
		name, err := Room(id)
		if err != nil {
			// A stored room id we cannot name is skipped rather than failing the connection.
			continue
		}
		channels = append(channels, name)
	}
	return channels, nil
}
