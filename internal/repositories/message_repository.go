package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"booking-chat/internal/models"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageRepository is the append-only chat log.
type MessageRepository interface {
	Append(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error)
	List(ctx context.Context, skip, limit int) ([]models.ChatMessage, error)
	Get(ctx context.Context, id string) (models.ChatMessage, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, sender, sender_id, recipient, content, timestamp, is_admin, reply_to`

// Append stores msg with a fresh id and the database timestamp.
func (r *MessageRepo) Append(ctx context.Context, msg models.ChatMessage) (models.ChatMessage, error) {
	msg.ID = uuid.NewString()
	err := r.db.QueryRowxContext(ctx, `INSERT INTO chat_messages (id, sender, sender_id, recipient, content, is_admin, reply_to)
        VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING timestamp`,
		msg.ID, msg.Sender, msg.SenderID, msg.Recipient, msg.Content, msg.IsAdmin, msg.ReplyTo).
		Scan(&msg.Timestamp)
	if err != nil {
		return models.ChatMessage{}, err
	}
	return msg, nil
}

// List returns a page of messages, newest first.
func (r *MessageRepo) List(ctx context.Context, skip, limit int) ([]models.ChatMessage, error) {
	msgs := []models.ChatMessage{}
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+`
        FROM chat_messages
        ORDER BY timestamp DESC, id DESC
        OFFSET $1 LIMIT $2`, skip, limit)
	return msgs, err
}

// Get retrieves a single message.
func (r *MessageRepo) Get(ctx context.Context, id string) (models.ChatMessage, error) {
	var msg models.ChatMessage
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM chat_messages WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ChatMessage{}, ErrMessageNotFound
	}
	return msg, err
}
