package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/markb/chatrelay/internal/db"
)

const (
	RoomPublic  = "PUBLIC"
	RoomPrivate = "PRIVATE"

	RoleAdmin  = "ADMIN"
	RoleMember = "MEMBER"
)

const sqliteTime = "2006-01-02 15:04:05"

type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Member struct {
	RoomID     string `json:"room_id"`
	IdentityID string `json:"identity_id"`
	Role       string `json:"role"`
}

// RoomStore answers membership questions from SQLite.
type RoomStore struct {
	db *db.DB
}

func NewRoomStore(database *db.DB) *RoomStore {
	return &RoomStore{db: database}
}

// CreateRoom inserts a room. An empty id gets a fresh uuid, an empty type
// becomes PUBLIC, and the creator, if any, is added as ADMIN.
func (s *RoomStore) CreateRoom(ctx context.Context, room Room) (Room, error) {
	if room.Name == "" {
		return Room{}, errors.New("room name is required")
	}
	if room.ID == "" {
		room.ID = uuid.New().String()
	}
	if strings.Contains(room.ID, ":") {
		return Room{}, fmt.Errorf("room id %q must not contain ':'", room.ID)
	}
	if room.Type == "" {
		room.Type = RoomPublic
	}
	room.Type = strings.ToUpper(room.Type)
	room.CreatedAt = time.Now().UTC().Truncate(time.Second)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Room{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO rooms (id, name, type, created_by, created_at) VALUES (?, ?, ?, ?, ?)`,
		room.ID, room.Name, room.Type, nullable(room.CreatedBy), room.CreatedAt.Format(sqliteTime))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return Room{}, fmt.Errorf("%w: %s", ErrRoomExists, room.ID)
		}
		return Room{}, fmt.Errorf("insert room: %w", err)
	}

	if room.CreatedBy != "" {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO room_members (room_id, identity_id, role) VALUES (?, ?, ?)`,
			room.ID, room.CreatedBy, RoleAdmin)
		if err != nil {
			return Room{}, fmt.Errorf("add creator: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Room{}, fmt.Errorf("commit: %w", err)
	}
	return room, nil
}

func (s *RoomStore) GetRoom(ctx context.Context, id string) (Room, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, COALESCE(created_by, ''), created_at FROM rooms WHERE id = ?`, id)
	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, fmt.Errorf("%w: %s", ErrRoomNotFound, id)
	}
	return room, err
}

func (s *RoomStore) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, COALESCE(created_by, ''), created_at FROM rooms ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *RoomStore) DeleteRoom(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, id)
	}
	return nil
}

// AddMember adds identity to a room, or updates its role if already there.
func (s *RoomStore) AddMember(ctx context.Context, roomID, identity, role string) error {
	if identity == "" {
		return errors.New("identity is required")
	}
	if role == "" {
		role = RoleMember
	}
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO room_members (room_id, identity_id, role) VALUES (?, ?, ?)
		ON CONFLICT (room_id, identity_id) DO UPDATE SET role = excluded.role`,
		roomID, identity, strings.ToUpper(role))
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// RemoveMember is a no-op when identity is not a member.
func (s *RoomStore) RemoveMember(ctx context.Context, roomID, identity string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM room_members WHERE room_id = ? AND identity_id = ?`, roomID, identity)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return nil
}

func (s *RoomStore) Members(ctx context.Context, roomID string) ([]Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id, identity_id, role FROM room_members WHERE room_id = ? ORDER BY identity_id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.RoomID, &m.IdentityID, &m.Role); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// IsMember reports whether identity belongs to roomID. Unknown rooms are not
// an error.
func (s *RoomStore) IsMember(ctx context.Context, identity, roomID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM room_members WHERE room_id = ? AND identity_id = ?`, roomID, identity).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return true, nil
}

// RoomsOf lists the room ids identity belongs to.
func (s *RoomStore) RoomsOf(ctx context.Context, identity string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT room_id FROM room_members WHERE identity_id = ? ORDER BY room_id`, identity)
	if err != nil {
		return nil, fmt.Errorf("list rooms of %s: %w", identity, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRoom(row scanner) (Room, error) {
	var room Room
	var created string
	if err := row.Scan(&room.ID, &room.Name, &room.Type, &room.CreatedBy, &created); err != nil {
		return Room{}, err
	}
	room.CreatedAt, _ = time.Parse(sqliteTime, created)
	return room, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
