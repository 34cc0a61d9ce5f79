package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"relay/internal/domain"
	"relay/internal/observability/metrics"
	"relay/internal/presence"
	"relay/internal/registry"
	"relay/internal/store"
	"relay/internal/transport"

	"github.com/google/uuid"
)

var ErrInvalidRequest = errors.New("service: invalid request")

type Config struct {
	SendTimeout    time.Duration // bound on a single transport attempt
	RescanInterval time.Duration // background safety net against missed drains
	DrainBatch     int
}

func (c *Config) norm() {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 3 * time.Second
	}
	if c.RescanInterval <= 0 {
		c.RescanInterval = 30 * time.Second
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = 100
	}
}

// Coordinator drives the Queued→Delivered state machine. Delivered is
// terminal; a failed attempt leaves the message queued for the next drain
// trigger (reconnect or rescan). Transport errors never propagate to the
// sender — once a message is durably enqueued the send has succeeded from
// the sender's perspective.
type Coordinator struct {
	messages  *store.MessageStore
	registry  *registry.Registry
	presence  *presence.Tracker
	transport transport.Transport
	cfg       Config
	now       func() time.Time
}

func New(st *store.Store, reg *registry.Registry, pres *presence.Tracker, tr transport.Transport, cfg Config) *Coordinator {
	cfg.norm()
	return &Coordinator{
		messages:  st.Messages(),
		registry:  reg,
		presence:  pres,
		transport: tr,
		cfg:       cfg,
		now:       time.Now,
	}
}

type SendInput struct {
	ChatID     string
	SenderID   string
	ReceiverID string
	Body       string
}

// Envelope is the wire form handed to the transport.
type Envelope struct {
	Type       string    `json:"type"`
	ID         string    `json:"id"`
	ChatID     string    `json:"chat_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// Send durably enqueues the message, then makes one bounded best-effort
// immediate delivery attempt if the receiver is online. Enqueue failures
// surface as ErrStorageUnavailable so the sender can retry; everything
// after the enqueue is fire-and-forget.
func (c *Coordinator) Send(ctx context.Context, in SendInput) (store.Message, error) {
	if in.ChatID == "" || in.SenderID == "" || in.ReceiverID == "" || in.Body == "" {
		return store.Message{}, ErrInvalidRequest
	}

	msg := store.Message{
		ID:         uuid.New(),
		ChatID:     in.ChatID,
		SenderID:   in.SenderID,
		ReceiverID: in.ReceiverID,
		Body:       in.Body,
		CreatedAt:  c.now().UTC(),
	}
	if err := c.messages.Create(ctx, &msg); err != nil {
		return store.Message{}, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	metrics.MessagesEnqueuedTotal.WithLabelValues().Inc()

	if err := c.presence.Touch(ctx, in.SenderID); err != nil {
		slog.Warn("sender presence touch failed", "user_id", in.SenderID, "error", err)
	}

	connID, online, err := c.registry.Lookup(ctx, in.ReceiverID)
	if err != nil {
		// Lookup trouble only costs the fast path; the message is queued.
		slog.Warn("receiver lookup failed, leaving queued", "receiver_id", in.ReceiverID, "error", err)
		return msg, nil
	}
	if online && c.attempt(ctx, msg, connID) {
		c.markDelivered(ctx, msg, "immediate")
	}
	return msg, nil
}

// UserConnected registers the session, flips presence online and drains
// the backlog in FIFO order. Drains are resumable: markDelivered is
// idempotent and Undelivered always reflects true pending state, so a
// drain cut short by a drop simply resumes on the next connect.
func (c *Coordinator) UserConnected(ctx context.Context, userID, connID string) error {
	superseded, err := c.registry.Connect(ctx, userID, connID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	metrics.ConnectionEventsTotal.WithLabelValues("connect").Inc()
	if superseded != "" {
		metrics.ConnectionEventsTotal.WithLabelValues("supersede").Inc()
		slog.Info("connection superseded", "user_id", userID, "old_connection_id", superseded, "connection_id", connID)
	}

	if err := c.presence.SetOnline(ctx, userID, true); err != nil {
		slog.Warn("presence online update failed", "user_id", userID, "error", err)
	}

	return c.Drain(ctx, userID, connID)
}

// UserDisconnected tears the session down. Stale disconnects (connection
// already superseded) are successful no-ops; presence goes offline only
// when no replacement connection exists, which is exactly the case where
// the registry reports the live mapping removed.
func (c *Coordinator) UserDisconnected(ctx context.Context, connID string) error {
	userID, removed, err := c.registry.Disconnect(ctx, connID)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	if !removed {
		metrics.ConnectionEventsTotal.WithLabelValues("stale").Inc()
		return nil
	}
	metrics.ConnectionEventsTotal.WithLabelValues("disconnect").Inc()

	if err := c.presence.SetOnline(ctx, userID, false); err != nil {
		slog.Warn("presence offline update failed", "user_id", userID, "error", err)
	}
	return nil
}

// Heartbeat renews the session and slides the presence TTL.
func (c *Coordinator) Heartbeat(ctx context.Context, userID, connID string) (bool, error) {
	alive, err := c.registry.Heartbeat(ctx, userID, connID)
	if err != nil {
		return false, err
	}
	if alive {
		if err := c.presence.Touch(ctx, userID); err != nil {
			slog.Warn("presence touch failed", "user_id", userID, "error", err)
		}
	}
	return alive, nil
}

// Typing forwards a typing indicator to the presence tracker.
func (c *Coordinator) Typing(ctx context.Context, userID, partnerID string, typing bool) error {
	return c.presence.SetTyping(ctx, userID, partnerID, typing)
}

// Drain delivers all pending messages for userID over connID. The first
// failed attempt stops the drain; whatever is left stays queued for the
// next trigger.
func (c *Coordinator) Drain(ctx context.Context, userID, connID string) error {
	delivered := 0
	defer func() {
		if delivered > 0 {
			metrics.DrainBatchSize.WithLabelValues().Observe(float64(delivered))
		}
	}()

	for {
		msgs, err := c.messages.Undelivered(ctx, userID, c.cfg.DrainBatch)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
		}
		if len(msgs) == 0 {
			return nil
		}
		for _, m := range msgs {
			if !c.attempt(ctx, m, connID) {
				return nil
			}
			if !c.markDelivered(ctx, m, "drain") {
				// Can't record the flip; stop rather than re-send this
				// batch in a tight loop. The rescan picks it up later.
				return nil
			}
			delivered++
		}
		if len(msgs) < c.cfg.DrainBatch {
			return nil
		}
	}
}

// Run periodically re-drains every user with a live connection. This is
// the safety net for lost connect events; with at-least-once semantics a
// duplicate drain is harmless.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.RescanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			users, err := c.registry.ActiveUsers(ctx)
			if err != nil {
				slog.Warn("rescan: listing active users failed", "error", err)
				continue
			}
			for _, userID := range users {
				connID, online, err := c.registry.Lookup(ctx, userID)
				if err != nil || !online {
					continue
				}
				if err := c.Drain(ctx, userID, connID); err != nil {
					slog.Warn("rescan drain failed", "user_id", userID, "error", err)
				}
			}
		}
	}
}

func (c *Coordinator) attempt(ctx context.Context, m store.Message, connID string) bool {
	payload, err := json.Marshal(Envelope{
		Type:       "message",
		ID:         m.ID.String(),
		ChatID:     m.ChatID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Body:       m.Body,
		CreatedAt:  m.CreatedAt,
	})
	if err != nil {
		return false
	}

	actx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()

	if err := c.transport.Send(actx, connID, payload); err != nil {
		metrics.DeliveryAttemptsTotal.WithLabelValues("failure").Inc()
		slog.Debug("transport send failed, message stays queued",
			"message_id", m.ID, "receiver_id", m.ReceiverID, "connection_id", connID, "error", err)
		return false
	}
	metrics.DeliveryAttemptsTotal.WithLabelValues("success").Inc()
	return true
}

func (c *Coordinator) markDelivered(ctx context.Context, m store.Message, trigger string) bool {
	if err := c.messages.MarkDelivered(ctx, m.ID, c.now().UTC()); err != nil {
		// The message was handed to the transport but the flip failed; it
		// will be re-sent on the next drain, which at-least-once allows.
		slog.Warn("mark delivered failed", "message_id", m.ID, "error", err)
		return false
	}
	metrics.MessagesDeliveredTotal.WithLabelValues(trigger).Inc()
	return true
}
