// Package channel derives canonical channel names and decides who may join them.
//
// Channel names double as broker topics and as the registry's listener index keys:
//
//	public                    global broadcast
//	chat                      legacy broadcast used by newMessage
//	private:<a>:<b>           direct messages, a < b
//	room:<roomId>             members of a room
//	user:<identity>:messages  per-identity inbox
//
// An identity cannot know every direct channel it will be addressed on, so it
// listens on two broker patterns instead: private:<id>:* and private:*:<id>.
package channel

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidChannel is returned for names that do not follow a known scheme.
var ErrInvalidChannel = errors.New("invalid channel")

// Kind identifies a channel naming scheme.
type Kind int

const (
	KindPublic Kind = iota + 1
	KindChat
	KindDirect
	KindRoom
	KindInbox
)

func (k Kind) String() string {
	switch k {
	case KindPublic:
		return "public"
	case KindChat:
		return "chat"
	case KindDirect:
		return "direct"
	case KindRoom:
		return "room"
	case KindInbox:
		return "inbox"
	default:
		return "unknown"
	}
}

const (
	publicName   = "public"
	chatName     = "chat"
	directPrefix = "private:"
	roomPrefix   = "room:"
	inboxPrefix  = "user:"
	inboxSuffix  = ":messages"
)

// Ref is a parsed channel name.
type Ref struct {
	Name    string
	Kind    Kind
	Parties [2]string // KindDirect, canonical order
	RoomID  string    // KindRoom
	Owner   string    // KindInbox
}

// Public returns the global broadcast channel.
func Public() string { return publicName }

// Chat returns the legacy broadcast channel.
func Chat() string { return chatName }

// Direct returns the channel shared by two identities. Direct(a, b) == Direct(b, a).
func Direct(a, b string) (string, error) {
	if err := validID(a); err != nil {
		return "", err
	}
	if err := validID(b); err != nil {
		return "", err
	}
	if b < a {
		a, b = b, a
	}
	return directPrefix + a + ":" + b, nil
}

// Room returns the channel of a room.
func Room(roomID string) (string, error) {
	if err := validID(roomID); err != nil {
		return "", err
	}
	return roomPrefix + roomID, nil
}

// Inbox returns the per-identity inbox channel.
func Inbox(identity string) (string, error) {
	if err := validID(identity); err != nil {
		return "", err
	}
	return inboxPrefix + identity + inboxSuffix, nil
}

// Parse classifies name. Unknown prefixes and malformed or non-canonical names
// fail with ErrInvalidChannel; nothing falls back to public.
func Parse(name string) (Ref, error) {
	ref := Ref{Name: name}
	switch {
	case name == publicName:
		ref.Kind = KindPublic
	case name == chatName:
		ref.Kind = KindChat
	case strings.HasPrefix(name, directPrefix):
		parts := strings.Split(strings.TrimPrefix(name, directPrefix), ":")
		if len(parts) != 2 || validID(parts[0]) != nil || validID(parts[1]) != nil {
			return Ref{}, fmt.Errorf("%w: %q", ErrInvalidChannel, name)
		}
		if parts[1] < parts[0] {
			return Ref{}, fmt.Errorf("%w: %q is not canonical", ErrInvalidChannel, name)
		}
		ref.Kind = KindDirect
		ref.Parties = [2]string{parts[0], parts[1]}
	case strings.HasPrefix(name, roomPrefix):
		id := strings.TrimPrefix(name, roomPrefix)
		if validID(id) != nil {
			return Ref{}, fmt.Errorf("%w: %q", ErrInvalidChannel, name)
		}
		ref.Kind = KindRoom
		ref.RoomID = id
	case strings.HasPrefix(name, inboxPrefix) && strings.HasSuffix(name, inboxSuffix):
		id := strings.TrimSuffix(strings.TrimPrefix(name, inboxPrefix), inboxSuffix)
		if validID(id) != nil {
			return Ref{}, fmt.Errorf("%w: %q", ErrInvalidChannel, name)
		}
		ref.Kind = KindInbox
		ref.Owner = id
	default:
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidChannel, name)
	}
	return ref, nil
}

// DirectPatterns returns the two broker patterns that match every direct
// channel identity is a party to.
func DirectPatterns(identity string) (first, second string, err error) {
	if err := validID(identity); err != nil {
		return "", "", err
	}
	return directPrefix + identity + ":*", directPrefix + "*:" + identity, nil
}

// IsPattern reports whether name is a broker pattern rather than a channel.
func IsPattern(name string) bool {
	return strings.ContainsAny(name, globChars)
}

// Fanout returns the local listener keys a message on name is delivered to.
// Direct channels map to the pattern of each party, every other channel to
// itself. A self-addressed direct channel yields a single key so the message
// is delivered once.
func Fanout(name string) ([]string, error) {
	ref, err := Parse(name)
	if err != nil {
		return nil, err
	}
	if ref.Kind != KindDirect {
		return []string{name}, nil
	}
	a, _, _ := DirectPatterns(ref.Parties[0])
	if ref.Parties[0] == ref.Parties[1] {
		return []string{a}, nil
	}
	_, b, _ := DirectPatterns(ref.Parties[1])
	return []string{a, b}, nil
}

const globChars = "*?[]\\"

// validID rejects ids that would make a derived name or pattern ambiguous.
func validID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidChannel)
	}
	if strings.ContainsAny(id, ": \t\r\n"+globChars) {
		return fmt.Errorf("%w: id %q contains a reserved character", ErrInvalidChannel, id)
	}
	return nil
}
