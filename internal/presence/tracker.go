package presence

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"relay/internal/domain"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "relay:presence:"

const (
	fieldDisplayName   = "display_name"
	fieldEmail         = "email"
	fieldIsOnline      = "is_online"
	fieldLastActiveAt  = "last_active_at"
	fieldIsTyping      = "is_typing"
	fieldChatPartnerID = "chat_partner_id"
)

type connLookup interface {
	Lookup(ctx context.Context, userID string) (string, bool, error)
}

type Config struct {
	TTL           time.Duration // sliding window; record resets to offline defaults after it
	TypingTimeout time.Duration // typing auto-clear without an explicit stop
}

func (c *Config) norm() {
	if c.TTL <= 0 {
		c.TTL = time.Hour
	}
	if c.TypingTimeout <= 0 {
		c.TypingTimeout = 5 * time.Second
	}
}

// Tracker keeps per-user presence in a redis hash with a sliding TTL. Every
// activity refreshes the window; an abandoned record simply ages out, which
// caps storage growth and doubles as the abnormal-disconnect fallback (a
// user whose gateway died reads as offline once the TTL lapses).
//
// Typing indicators are cleared by an in-process cancelable timer rather
// than a store sweep, so expiry is deterministic and testable.
type Tracker struct {
	rdb *redis.Client
	reg connLookup
	cfg Config
	now func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func New(rdb *redis.Client, reg connLookup, cfg Config) *Tracker {
	cfg.norm()
	return &Tracker{
		rdb:    rdb,
		reg:    reg,
		cfg:    cfg,
		now:    time.Now,
		timers: make(map[string]*time.Timer),
	}
}

func key(userID string) string { return keyPrefix + userID }

// Seed creates presence records for directory users. Identity fields are
// overwritten on re-sync; derived fields are only defaulted when absent so
// a sync cannot clobber live presence.
func (t *Tracker) Seed(ctx context.Context, users []domain.DirectoryUser) error {
	pipe := t.rdb.Pipeline()
	for _, u := range users {
		k := key(u.UserID)
		pipe.HSet(ctx, k, fieldDisplayName, u.DisplayName, fieldEmail, u.Email)
		pipe.HSetNX(ctx, k, fieldIsOnline, "0")
		pipe.HSetNX(ctx, k, fieldIsTyping, "0")
		pipe.Expire(ctx, k, t.cfg.TTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// SetOnline records the connect/disconnect side effect from the registry.
// Going offline also clears any typing state.
func (t *Tracker) SetOnline(ctx context.Context, userID string, online bool) error {
	vals := map[string]any{
		fieldIsOnline:     boolField(online),
		fieldLastActiveAt: t.now().UTC().Format(time.RFC3339Nano),
	}
	if !online {
		vals[fieldIsTyping] = "0"
		vals[fieldChatPartnerID] = ""
		t.cancelTimers(userID)
	}
	pipe := t.rdb.Pipeline()
	pipe.HSet(ctx, key(userID), vals)
	pipe.Expire(ctx, key(userID), t.cfg.TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch updates lastActiveAt and slides the TTL window.
func (t *Tracker) Touch(ctx context.Context, userID string) error {
	pipe := t.rdb.Pipeline()
	pipe.HSet(ctx, key(userID), fieldLastActiveAt, t.now().UTC().Format(time.RFC3339Nano))
	pipe.Expire(ctx, key(userID), t.cfg.TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetTyping records transient typing state toward one chat partner. A
// typing=true call arms (or re-arms) the auto-clear timer; typing=false
// cancels it and clears immediately.
func (t *Tracker) SetTyping(ctx context.Context, userID, partnerID string, typing bool) error {
	tk := userID + "\x1f" + partnerID
	t.mu.Lock()
	if timer, ok := t.timers[tk]; ok {
		timer.Stop()
		delete(t.timers, tk)
	}
	if typing {
		t.timers[tk] = time.AfterFunc(t.cfg.TypingTimeout, func() {
			t.mu.Lock()
			delete(t.timers, tk)
			t.mu.Unlock()

			cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := t.clearTyping(cctx, userID); err != nil {
				slog.Warn("typing auto-clear failed", "user_id", userID, "error", err)
			}
		})
	}
	t.mu.Unlock()

	if !typing {
		return t.clearTyping(ctx, userID)
	}

	pipe := t.rdb.Pipeline()
	pipe.HSet(ctx, key(userID), map[string]any{
		fieldIsTyping:      "1",
		fieldChatPartnerID: partnerID,
		fieldLastActiveAt:  t.now().UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key(userID), t.cfg.TTL)
	_, err := pipe.Exec(ctx)
	return err
}

// cancelTimers stops and removes every pending typing timer for a user, so
// a disconnect cancels that user's auto-clears toward all partners.
func (t *Tracker) cancelTimers(userID string) {
	prefix := userID + "\x1f"
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, timer := range t.timers {
		if strings.HasPrefix(k, prefix) {
			timer.Stop()
			delete(t.timers, k)
		}
	}
}

// clearTyping resets typing fields without sliding the TTL; timer expiry is
// not user activity.
func (t *Tracker) clearTyping(ctx context.Context, userID string) error {
	return t.rdb.HSet(ctx, key(userID), map[string]any{
		fieldIsTyping:      "0",
		fieldChatPartnerID: "",
	}).Err()
}

// Snapshot is a read-only projection. An expired or never-seeded record
// reads as offline defaults, and isOnline is forced false whenever the
// registry has no live connection, whatever the stored field says.
func (t *Tracker) Snapshot(ctx context.Context, userID string) (domain.UserPresence, error) {
	fields, err := t.rdb.HGetAll(ctx, key(userID)).Result()
	if err != nil {
		return domain.UserPresence{}, err
	}

	p := domain.UserPresence{UserID: userID}
	if len(fields) == 0 {
		return p, nil
	}

	p.DisplayName = fields[fieldDisplayName]
	p.Email = fields[fieldEmail]
	p.IsOnline = fields[fieldIsOnline] == "1"
	p.IsTyping = fields[fieldIsTyping] == "1"
	p.ChatPartnerID = fields[fieldChatPartnerID]
	if v := fields[fieldLastActiveAt]; v != "" {
		if ts, perr := time.Parse(time.RFC3339Nano, v); perr == nil {
			p.LastActiveAt = ts
		}
	}
	if ttl, terr := t.rdb.TTL(ctx, key(userID)).Result(); terr == nil && ttl > 0 {
		p.ExpiresAt = t.now().UTC().Add(ttl)
	}

	if p.IsOnline && t.reg != nil {
		_, live, lerr := t.reg.Lookup(ctx, userID)
		if lerr != nil {
			return domain.UserPresence{}, lerr
		}
		if !live {
			p.IsOnline = false
			p.IsTyping = false
			p.ChatPartnerID = ""
		}
	}
	return p, nil
}

// Close stops all pending typing timers.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, timer := range t.timers {
		timer.Stop()
		delete(t.timers, k)
	}
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
