package store

// schema is applied statement by statement; every statement is valid on
// both postgres and sqlite.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		type TEXT NOT NULL,
		title TEXT,
		data TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_owner_updated ON conversations (owner, updated_at DESC)`,

	`CREATE TABLE IF NOT EXISTS conversation_messages (
		id TEXT NOT NULL,
		conversation_id TEXT NOT NULL REFERENCES conversations (id),
		client_id TEXT,
		role TEXT NOT NULL,
		parts TEXT NOT NULL,
		metadata TEXT,
		position INTEGER NOT NULL,
		pending BOOLEAN NOT NULL DEFAULT FALSE,
		created_at BIGINT NOT NULL,
		PRIMARY KEY (conversation_id, id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_conversation_messages_client ON conversation_messages (conversation_id, client_id)`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_messages_position ON conversation_messages (conversation_id, position)`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_messages_pending ON conversation_messages (pending, created_at)`,
}
