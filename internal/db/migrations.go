package db

import "fmt"

const roomSchema = `
CREATE TABLE IF NOT EXISTS rooms (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    type        TEXT NOT NULL DEFAULT 'PUBLIC' CHECK (type IN ('PUBLIC', 'PRIVATE')),
    created_by  TEXT,
    created_at  TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS room_members (
    room_id     TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
    identity_id TEXT NOT NULL,
    role        TEXT NOT NULL DEFAULT 'MEMBER' CHECK (role IN ('ADMIN', 'MEMBER')),
    joined_at   TEXT DEFAULT (datetime('now')),
    PRIMARY KEY (room_id, identity_id)
);

CREATE INDEX IF NOT EXISTS idx_room_members_identity ON room_members(identity_id);
`

const messageSchema = `
CREATE TABLE IF NOT EXISTS messages (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    channel     TEXT NOT NULL,
    sender_id   TEXT NOT NULL,
    receiver_id TEXT,
    room_id     TEXT,
    content     TEXT NOT NULL,
    created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_channel_created ON messages(channel, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id);
`

func (db *DB) RunMigrations() error {
	_, err := db.Exec(roomSchema)
	if err != nil {
		return fmt.Errorf("failed to run room migrations: %w", err)
	}

	_, err = db.Exec(messageSchema)
	if err != nil {
		return fmt.Errorf("failed to run message migrations: %w", err)
	}

	return nil
}
