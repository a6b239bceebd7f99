// Package fanout handles the best-effort side effects of message acceptance:
// read-cache invalidation, the capped recent-mailbox list and the per-address
// notification channel. Failures here are logged and swallowed; they never
// fail the accept or deliver decision.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

// Summary is the lightweight message record pushed to the recent list and
// published on the notification channel
type Summary struct {
	ID             string    `json:"id"`
	From           string    `json:"from"`
	Subject        string    `json:"subject"`
	Date           time.Time `json:"date"`
	Folder         string    `json:"folder"`
	Read           bool      `json:"read"`
	HasAttachments bool      `json:"has_attachments"`
}

// Notification is the pub/sub payload consumed by the realtime UI layer
type Notification struct {
	Type    string  `json:"type"`
	Message Summary `json:"message"`
}

type Fanout struct {
	rdb      *redis.Client
	log      *logrus.Logger
	capacity int
	ttl      time.Duration
}

func New(rdb *redis.Client, log *logrus.Logger, capacity int, ttl time.Duration) *Fanout {
	return &Fanout{rdb: rdb, log: log, capacity: capacity, ttl: ttl}
}

// UserCachePrefix is the key prefix invalidated for a user
func UserCachePrefix(userID uint) string {
	return fmt.Sprintf("cache:user:%d:", userID)
}

// RecentKey is the recent-mailbox list key for a user
func RecentKey(userID uint) string {
	return fmt.Sprintf("mailbox:recent:%d", userID)
}

// ChannelFor is the notification channel for a recipient address
func ChannelFor(address string) string {
	return "notify:" + address
}

// InvalidateUserCache deletes all short-lived read-cache keys under the
// user's prefix. Best-effort.
func (f *Fanout) InvalidateUserCache(ctx context.Context, userID uint) {
	pattern := UserCachePrefix(userID) + "*"
	var cursor uint64
	for {
		keys, next, err := f.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			f.log.Warnf("Cache invalidation scan failed for user %d: %v", userID, err)
			return
		}
		if len(keys) > 0 {
			if err := f.rdb.Del(ctx, keys...).Err(); err != nil {
				f.log.Warnf("Cache invalidation delete failed for user %d: %v", userID, err)
				return
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// PushRecent prepends a summary to the user's recent list, trims it to
// capacity-1 entries and refreshes the TTL
func (f *Fanout) PushRecent(ctx context.Context, userID uint, s Summary) {
	payload, err := json.Marshal(s)
	if err != nil {
		f.log.Warnf("Failed to encode recent summary: %v", err)
		return
	}
	key := RecentKey(userID)
	pipe := f.rdb.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, int64(f.capacity-2))
	pipe.Expire(ctx, key, f.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		f.log.Warnf("Failed to push recent summary for user %d: %v", userID, err)
	}
}

// PublishNewMail publishes a new_mail event on the recipient's channel
func (f *Fanout) PublishNewMail(ctx context.Context, address string, s Summary) {
	f.publish(ctx, "new_mail", address, s)
}

// PublishSent publishes a message_sent event once a queued message has been
// relayed
func (f *Fanout) PublishSent(ctx context.Context, address string, s Summary) {
	f.publish(ctx, "message_sent", address, s)
}

func (f *Fanout) publish(ctx context.Context, eventType, address string, s Summary) {
	payload, err := json.Marshal(Notification{Type: eventType, Message: s})
	if err != nil {
		f.log.Warnf("Failed to encode notification: %v", err)
		return
	}
	if err := f.rdb.Publish(ctx, ChannelFor(address), payload).Err(); err != nil {
		f.log.Warnf("Failed to publish %s for %s: %v", eventType, address, err)
	}
}
