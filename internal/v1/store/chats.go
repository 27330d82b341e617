package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/brightboard/classroom/internal/v1/domain"
)

// ChatRepo handles persisted in-meeting chat. Deleted messages keep
// their rows but the body is blanked on every read path.
type ChatRepo struct {
	db *DB
}

func NewChatRepo(db *DB) *ChatRepo {
	return &ChatRepo{db: db}
}

const chatColumns = `
	id, meeting_id, user_id, display_name,
	CASE WHEN deleted_at IS NULL THEN body ELSE '' END,
	created_at, deleted_at, deleted_by`

func scanChatMessage(row pgx.Row) (*domain.ChatMessage, error) {
	m := &domain.ChatMessage{}
	err := row.Scan(
		&m.ID, &m.MeetingID, &m.UserID, &m.DisplayName,
		&m.Body, &m.CreatedAt, &m.DeletedAt, &m.DeletedBy,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Create persists a chat message.
func (r *ChatRepo) Create(ctx context.Context, m *domain.ChatMessage) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO chat_messages (id, meeting_id, user_id, display_name, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.ID, m.MeetingID, m.UserID, m.DisplayName, m.Body, m.CreatedAt)
	return err
}

// GetByID retrieves a single message.
func (r *ChatRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.ChatMessage, error) {
	return scanChatMessage(r.db.Pool.QueryRow(ctx, `
		SELECT `+chatColumns+` FROM chat_messages WHERE id = $1
	`, id))
}

// List returns messages for a meeting with cursor pagination, newest
// first. A nil cursor starts from the latest message.
func (r *ChatRepo) List(ctx context.Context, meetingID uuid.UUID, before *time.Time, limit int) ([]*domain.ChatMessage, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if before != nil {
		rows, err = r.db.Pool.Query(ctx, `
			SELECT `+chatColumns+` FROM chat_messages
			WHERE meeting_id = $1 AND created_at < $2
			ORDER BY created_at DESC LIMIT $3
		`, meetingID, before, limit)
	} else {
		rows, err = r.db.Pool.Query(ctx, `
			SELECT `+chatColumns+` FROM chat_messages
			WHERE meeting_id = $1
			ORDER BY created_at DESC LIMIT $2
		`, meetingID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChatMessages(rows)
}

// Search performs full-text search over a meeting's chat, best match
// first. Deleted messages never match.
func (r *ChatRepo) Search(ctx context.Context, meetingID uuid.UUID, query string, limit int) ([]*domain.ChatMessage, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, meeting_id, user_id, display_name, body,
		       created_at, deleted_at, deleted_by
		FROM chat_messages
		WHERE meeting_id = $1
		  AND deleted_at IS NULL
		  AND search_vector @@ plainto_tsquery('english', $2)
		ORDER BY ts_rank(search_vector, plainto_tsquery('english', $2)) DESC,
		         created_at DESC
		LIMIT $3
	`, meetingID, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectChatMessages(rows)
}

// SoftDelete blanks a message for moderation, recording who removed it.
// Deleting an already-deleted message is a no-op.
func (r *ChatRepo) SoftDelete(ctx context.Context, id uuid.UUID, deletedBy string, at time.Time) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE chat_messages
		SET deleted_at = $3, deleted_by = $2
		WHERE id = $1 AND deleted_at IS NULL
	`, id, deletedBy, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.Pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM chat_messages WHERE id = $1)", id,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrNotFound
		}
	}
	return nil
}

func collectChatMessages(rows pgx.Rows) ([]*domain.ChatMessage, error) {
	var messages []*domain.ChatMessage
	for rows.Next() {
		m, err := scanChatMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
