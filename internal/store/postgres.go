package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const userColumns = `
	u.id, u.email, u.display_name, u.avatar_url, u.preferred_model, u.system_prompt,
	u.anonymous, COALESCE(du.message_count, 0), u.created_at, u.updated_at
`

const userFrom = `
	FROM users u
	LEFT JOIN daily_usage du ON du.user_id = u.id AND du.day = CURRENT_DATE
`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var user User
	err := row.Scan(
		&user.ID, &user.Email, &user.DisplayName, &user.AvatarURL, &user.PreferredModel,
		&user.SystemPrompt, &user.Anonymous, &user.DailyMessageCount, &user.CreatedAt, &user.UpdatedAt,
	)
	return user, err
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+userFrom+` WHERE u.display_name = $1`, name))
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	var id string
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO users (display_name, email)
		VALUES ($1, CONCAT(LOWER(REPLACE($1, ' ', '.')), '@local.parley.dev'))
		ON CONFLICT (display_name) DO UPDATE SET display_name = EXCLUDED.display_name
		RETURNING id
	`, name).Scan(&id)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return s.GetUserByID(ctx, id)
}

// CreateGuestUser inserts an anonymous user under a generated name.
func (s *PostgresStore) CreateGuestUser(ctx context.Context, name string) (User, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (display_name, email, anonymous)
		VALUES ($1, CONCAT(LOWER(REPLACE($1, ' ', '.')), '@guest.parley.dev'), TRUE)
		RETURNING id
	`, name).Scan(&id)
	if err != nil {
		return User{}, fmt.Errorf("insert guest user: %w", err)
	}
	return s.GetUserByID(ctx, id)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+userFrom+` WHERE u.id = $1`, userID))
	if err != nil {
		return User{}, notFound(err, "get user")
	}
	return user, nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, userID string, patch UserPatch) (User, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET display_name = COALESCE($2, display_name),
			avatar_url = COALESCE($3, avatar_url),
			preferred_model = COALESCE($4, preferred_model),
			system_prompt = COALESCE($5, system_prompt),
			updated_at = NOW()
		WHERE id = $1
	`, userID, patch.DisplayName, patch.AvatarURL, patch.PreferredModel, patch.SystemPrompt)
	if err != nil {
		return User{}, fmt.Errorf("update user: %w", err)
	}
	if err := requireRow(res, "update user"); err != nil {
		return User{}, err
	}
	return s.GetUserByID(ctx, userID)
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id
		FROM refresh_sessions
		WHERE token_hash = $1
			AND revoked_at IS NULL
			AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return User{}, notFound(err, "lookup refresh session")
	}
	return s.GetUserByID(ctx, userID)
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

const chatColumns = `id, user_id, title, model, system_prompt, public, project_id, created_at, updated_at`

func scanChat(row interface{ Scan(...any) error }) (Chat, error) {
	var chat Chat
	var projectID sql.NullString
	err := row.Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.Model, &chat.SystemPrompt, &chat.Public, &projectID, &chat.CreatedAt, &chat.UpdatedAt)
	if projectID.Valid {
		chat.ProjectID = &projectID.String
	}
	return chat, err
}

func (s *PostgresStore) ListChats(ctx context.Context, userID string) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+chatColumns+`
		FROM chats
		WHERE user_id = $1
		ORDER BY updated_at DESC, created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	items := make([]Chat, 0)
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		items = append(items, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetChat(ctx context.Context, chatID string) (Chat, error) {
	chat, err := scanChat(s.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id=$1`, chatID))
	if err != nil {
		return Chat{}, notFound(err, "get chat")
	}
	return chat, nil
}

func (s *PostgresStore) InsertChat(ctx context.Context, chat Chat) (Chat, error) {
	created, err := scanChat(s.db.QueryRowContext(ctx, `
		INSERT INTO chats (id, user_id, title, model, system_prompt, public, project_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING `+chatColumns,
		chat.ID, chat.UserID, chat.Title, chat.Model, chat.SystemPrompt, chat.Public, chat.ProjectID,
	))
	if err != nil {
		return Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) RenameChat(ctx context.Context, chatID, title string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE chats SET title=$2 WHERE id=$1`, chatID, title)
	if err != nil {
		return fmt.Errorf("rename chat: %w", err)
	}
	return requireRow(res, "rename chat")
}

func (s *PostgresStore) DeleteChat(ctx context.Context, chatID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id=$1`, chatID)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return requireRow(res, "delete chat")
}

// BumpChat moves a chat to the top of its owner's list.
func (s *PostgresStore) BumpChat(ctx context.Context, chatID string) (time.Time, error) {
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, `UPDATE chats SET updated_at=NOW() WHERE id=$1 RETURNING updated_at`, chatID).Scan(&updatedAt)
	if err != nil {
		return time.Time{}, notFound(err, "bump chat")
	}
	return updatedAt, nil
}

const messageColumns = `id, chat_id, COALESCE(user_id::text, ''), role, content, parts, model, created_at`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var msg Message
	var parts []byte
	err := row.Scan(&msg.ID, &msg.ChatID, &msg.UserID, &msg.Role, &msg.Content, &parts, &msg.Model, &msg.CreatedAt)
	msg.Parts = json.RawMessage(parts)
	return msg, err
}

func (s *PostgresStore) ListMessages(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE chat_id = $1
		ORDER BY created_at ASC, id ASC
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID))
	if err != nil {
		return Message{}, notFound(err, "get message")
	}
	return msg, nil
}

// InsertMessage appends a message and touches the chat's updated_at in one tx.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	parts := []byte(msg.Parts)
	if len(parts) == 0 {
		parts = []byte("[]")
	}
	var userID any
	if msg.UserID != "" {
		userID = msg.UserID
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("begin insert message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	created, err := scanMessage(tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, chat_id, user_id, role, content, parts, model)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
		RETURNING `+messageColumns,
		msg.ID, msg.ChatID, userID, msg.Role, msg.Content, string(parts), msg.Model,
	))
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE chats SET updated_at=NOW() WHERE id=$1`, msg.ChatID); err != nil {
		return Message{}, fmt.Errorf("touch chat: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("commit insert message: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) UpsertFeedback(ctx context.Context, feedback Feedback) (Feedback, error) {
	var saved Feedback
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO feedback (message_id, user_id, rating, comment)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, user_id) DO UPDATE
			SET rating=EXCLUDED.rating, comment=EXCLUDED.comment, updated_at=NOW()
		RETURNING message_id, user_id, rating, comment, created_at, updated_at
	`, feedback.MessageID, feedback.UserID, feedback.Rating, feedback.Comment).Scan(
		&saved.MessageID, &saved.UserID, &saved.Rating, &saved.Comment, &saved.CreatedAt, &saved.UpdatedAt,
	)
	if err != nil {
		return Feedback{}, fmt.Errorf("upsert feedback: %w", err)
	}
	return saved, nil
}

func (s *PostgresStore) ListUserKeys(ctx context.Context, userID string) ([]UserKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, provider, encrypted_key, created_at, updated_at
		FROM user_keys
		WHERE user_id = $1
		ORDER BY provider ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user keys: %w", err)
	}
	defer rows.Close()

	items := make([]UserKey, 0)
	for rows.Next() {
		var key UserKey
		if err := rows.Scan(&key.UserID, &key.Provider, &key.EncryptedKey, &key.CreatedAt, &key.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user key: %w", err)
		}
		items = append(items, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user keys: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetUserKey(ctx context.Context, userID, provider string) (UserKey, error) {
	var key UserKey
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, provider, encrypted_key, created_at, updated_at
		FROM user_keys
		WHERE user_id = $1 AND provider = $2
	`, userID, provider).Scan(&key.UserID, &key.Provider, &key.EncryptedKey, &key.CreatedAt, &key.UpdatedAt)
	if err != nil {
		return UserKey{}, notFound(err, "get user key")
	}
	return key, nil
}

func (s *PostgresStore) UpsertUserKey(ctx context.Context, userID, provider, encryptedKey string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_keys (user_id, provider, encrypted_key)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, provider) DO UPDATE SET encrypted_key=EXCLUDED.encrypted_key, updated_at=NOW()
	`, userID, provider, encryptedKey)
	if err != nil {
		return fmt.Errorf("upsert user key: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteUserKey(ctx context.Context, userID, provider string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_keys WHERE user_id=$1 AND provider=$2`, userID, provider)
	if err != nil {
		return fmt.Errorf("delete user key: %w", err)
	}
	return requireRow(res, "delete user key")
}

func (s *PostgresStore) InsertAttachment(ctx context.Context, item Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, user_id, chat_id, object_key, file_name, content_type, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.UserID, item.ChatID, item.ObjectKey, item.FileName, item.ContentType, item.Size)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, attachmentID string) (Attachment, error) {
	var item Attachment
	var chatID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, chat_id, object_key, file_name, content_type, size_bytes, created_at
		FROM attachments
		WHERE id = $1
	`, attachmentID).Scan(&item.ID, &item.UserID, &chatID, &item.ObjectKey, &item.FileName, &item.ContentType, &item.Size, &item.CreatedAt)
	if err != nil {
		return Attachment{}, notFound(err, "get attachment")
	}
	if chatID.Valid {
		item.ChatID = &chatID.String
	}
	return item, nil
}

// IncrementDailyUsage counts one message against today's quota and returns the new total.
func (s *PostgresStore) IncrementDailyUsage(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO daily_usage (user_id, day, message_count)
		VALUES ($1, CURRENT_DATE, 1)
		ON CONFLICT (user_id, day) DO UPDATE SET message_count = daily_usage.message_count + 1
		RETURNING message_count
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment daily usage: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) DailyUsage(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE((SELECT message_count FROM daily_usage WHERE user_id=$1 AND day=CURRENT_DATE), 0)
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("read daily usage: %w", err)
	}
	return count, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func notFound(err error, op string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func requireRow(res sql.Result, op string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
