package postgres

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id       BIGSERIAL PRIMARY KEY,
	nickname TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS sessions (
	token      TEXT PRIMARY KEY,
	user_id    BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id          TEXT PRIMARY KEY,
	sender_id   BIGINT NOT NULL REFERENCES users(id),
	receiver_id BIGINT NOT NULL REFERENCES users(id),
	conv_low    BIGINT NOT NULL,
	conv_high   BIGINT NOT NULL,
	content     TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS messages_conversation_idx
	ON messages (conv_low, conv_high, created_at DESC, id DESC);
`

const (
	qInsertMessage = `
		INSERT INTO messages (id, sender_id, receiver_id, conv_low, conv_high, content)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
		RETURNING id, sender_id, receiver_id, content, created_at`

	qMessageByID = `
		SELECT id, sender_id, receiver_id, content, created_at
		FROM messages
		WHERE id = $1`

	// newest first; the service reverses to ascending
	qConversation = `
		SELECT id, sender_id, receiver_id, content, created_at
		FROM messages
		WHERE conv_low = $1 AND conv_high = $2
		  AND (
		    $3::timestamptz IS NULL
		    OR created_at < $3
		    OR (created_at = $3 AND id < $4)
		  )
		ORDER BY created_at DESC, id DESC
		LIMIT $5`

	qIdentityByID = `SELECT id, nickname FROM users WHERE id = $1`

	qIdentities = `SELECT id, nickname FROM users ORDER BY nickname, id`

	qIdentityBySession = `
		SELECT u.id, u.nickname
		FROM sessions AS s
		JOIN users AS u ON u.id = s.user_id
		WHERE s.token = $1 AND s.expires_at > now()`
)
