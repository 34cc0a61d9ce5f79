package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Message is one queued chat message. Delivered only ever flips false→true;
// the pending set for a receiver is served by idx_messages_receiver_delivered
// so a drain scans the undelivered rows, never the whole history.
type Message struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ChatID      string     `gorm:"not null;index"`
	SenderID    string     `gorm:"not null;index:idx_messages_pair_created,priority:2"`
	ReceiverID  string     `gorm:"not null;index:idx_messages_receiver_delivered,priority:1;index:idx_messages_pair_created,priority:1"`
	Body        string     `gorm:"type:text;not null"`
	CreatedAt   time.Time  `gorm:"not null;index:idx_messages_pair_created,priority:3"`
	Delivered   bool       `gorm:"not null;default:false;index:idx_messages_receiver_delivered,priority:2"`
	DeliveredAt *time.Time `gorm:"type:timestamptz"`
}

type MessageStore struct{ db *gorm.DB }

func (s *Store) Messages() *MessageStore { return &MessageStore{s.DB} }

func (ms *MessageStore) Create(ctx context.Context, m *Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return ms.db.WithContext(ctx).Create(m).Error
}

// Undelivered returns the receiver's pending messages in creation order.
// Ordering by created_at keeps FIFO per (sender, receiver) pair; cross-pair
// order is incidental and not part of the contract.
func (ms *MessageStore) Undelivered(ctx context.Context, receiverID string, limit int) ([]Message, error) {
	var msgs []Message
	tx := ms.db.WithContext(ctx).
		Where("receiver_id = ? AND delivered = ?", receiverID, false).
		Order("created_at asc")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkDelivered flips the delivered flag. The conditional WHERE makes it
// idempotent: repeating it, or calling it for an already-delivered message,
// affects zero rows and is not an error.
func (ms *MessageStore) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) error {
	return ms.db.WithContext(ctx).
		Model(&Message{}).
		Where("id = ? AND delivered = ?", id, false).
		Updates(map[string]any{"delivered": true, "delivered_at": at}).
		Error
}
