package webhook

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/formgate/formgate/internal/cluster"
	"github.com/formgate/formgate/internal/kvstore"
)

const (
	queueKeyPrefix = "formgate:webhook:queue:"

	maxAttempts = 5
	// Pending notifications expire from the store on their own so a
	// permanently failing flush cannot grow the keyspace forever.
	pendingTTL = 24 * time.Hour
)

// Notification is one queued delivery.
type Notification struct {
	ID           string          `json:"id"`
	URL          string          `json:"url"`
	Payload      json.RawMessage `json:"payload"`
	EnqueuedAtNs int64           `json:"enqueued_at_ns"`
	Attempts     int             `json:"attempts"`
}

// Queue is the cluster-shared notification queue. Any instance enqueues;
// only the leader flushes, via the coordinator duty.
type Queue struct {
	kv     kvstore.KV
	sender Sender

	now func() time.Time
}

func NewQueue(kv kvstore.KV, sender Sender) *Queue {
	return &Queue{kv: kv, sender: sender, now: time.Now}
}

// Enqueue stores a pending notification in the shared store.
func (q *Queue) Enqueue(ctx context.Context, url string, payload json.RawMessage) error {
	n := Notification{
		ID:           uuid.NewString(),
		URL:          url,
		Payload:      payload,
		EnqueuedAtNs: q.now().UnixNano(),
	}
	raw, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return q.kv.Set(ctx, queueKeyPrefix+n.ID, string(raw), pendingTTL)
}

// Flush attempts delivery of every pending notification. Delivered and
// permanently failed entries are removed; transient failures stay queued
// with an incremented attempt count. Safe to re-run: entries are deleted
// only after a successful send, so losing leadership mid-flush at worst
// redelivers.
func (q *Queue) Flush(ctx context.Context) (delivered, failed int, err error) {
	pending, err := q.kv.ScanPrefix(ctx, queueKeyPrefix)
	if err != nil {
		return 0, 0, err
	}

	for key, raw := range pending {
		var n Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			log.Printf("[webhook] dropping malformed queue entry %s: %v", key, err)
			q.kv.Delete(ctx, key) //nolint:errcheck
			continue
		}

		if err := q.sender.Deliver(ctx, n.URL, n.Payload); err != nil {
			failed++
			n.Attempts++
			if n.Attempts >= maxAttempts {
				log.Printf("[webhook] giving up on %s after %d attempts: %v", n.ID, n.Attempts, err)
				q.kv.Delete(ctx, key) //nolint:errcheck
				continue
			}
			log.Printf("[webhook] delivery %s failed (attempt %d): %v", n.ID, n.Attempts, err)
			if updated, merr := json.Marshal(n); merr == nil {
				q.kv.Set(ctx, key, string(updated), pendingTTL) //nolint:errcheck
			}
			continue
		}

		delivered++
		if err := q.kv.Delete(ctx, key); err != nil {
			log.Printf("[webhook] delete delivered entry %s: %v", key, err)
		}
	}
	return delivered, failed, nil
}

// FlushDuty adapts the queue to a leader-gated coordinator duty.
func (q *Queue) FlushDuty() cluster.Duty {
	return cluster.Duty{
		Name: "webhook-flush",
		Run: func(ctx context.Context) error {
			delivered, failed, err := q.Flush(ctx)
			if err != nil {
				return err
			}
			if delivered > 0 || failed > 0 {
				log.Printf("[webhook] flush: delivered=%d failed=%d", delivered, failed)
			}
			return nil
		},
	}
}
