package cluster

import (
	"context"
	"encoding/json"
	"log"

	"github.com/formgate/formgate/internal/model"
)

// tryAcquireOrRenew implements "set if not exists, else only if I already
// hold it". The lease key carries a TTL so a crashed holder's lease lapses
// on its own and any instance may then acquire it. Losing the CAS race is
// expected contention, silently deferred to the next cycle.
func (c *Coordinator) tryAcquireOrRenew(ctx context.Context) {
	record := model.LeaseRecord{
		Holder:       c.id,
		AcquiredAtNs: c.now().UnixNano(),
		TTLNs:        int64(c.leaseTTL),
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		log.Printf("[cluster] encode lease: %v", err)
		return
	}

	acquired, err := c.kv.SetNX(ctx, leaderKey, string(encoded), c.leaseTTL)
	if err != nil {
		log.Printf("[cluster] lease acquire: %v", err)
		c.setLeader(false)
		return
	}
	if acquired {
		c.setLeader(true)
		return
	}

	current, ok, err := c.kv.Get(ctx, leaderKey)
	if err != nil {
		log.Printf("[cluster] lease read: %v", err)
		c.setLeader(false)
		return
	}
	if !ok {
		// Expired between SetNX and Get; next cycle will race for it.
		c.setLeader(false)
		return
	}

	var holder model.LeaseRecord
	if err := json.Unmarshal([]byte(current), &holder); err != nil {
		log.Printf("[cluster] malformed lease record: %v", err)
		c.setLeader(false)
		return
	}
	if holder.Holder != c.id {
		c.setLeader(false)
		return
	}

	// Renew: conditional on the value we just read so a competing acquire
	// between Get and the write is never clobbered.
	renewed, err := c.kv.CompareAndSwap(ctx, leaderKey, current, string(encoded), c.leaseTTL)
	if err != nil {
		log.Printf("[cluster] lease renew: %v", err)
		c.setLeader(false)
		return
	}
	c.setLeader(renewed)
}

// releaseLease drops the lease if still held, letting a successor acquire
// it immediately instead of waiting out the TTL.
func (c *Coordinator) releaseLease(ctx context.Context) {
	current, ok, err := c.kv.Get(ctx, leaderKey)
	if err != nil || !ok {
		return
	}
	var holder model.LeaseRecord
	if err := json.Unmarshal([]byte(current), &holder); err != nil || holder.Holder != c.id {
		return
	}
	if err := c.kv.Delete(ctx, leaderKey); err != nil {
		log.Printf("[cluster] lease release: %v", err)
	}
	c.setLeader(false)
}

// Leader returns the current lease holder, if any.
func (c *Coordinator) Leader(ctx context.Context) (model.LeaseRecord, bool, error) {
	current, ok, err := c.kv.Get(ctx, leaderKey)
	if err != nil || !ok {
		return model.LeaseRecord{}, false, err
	}
	var record model.LeaseRecord
	if err := json.Unmarshal([]byte(current), &record); err != nil {
		return model.LeaseRecord{}, false, nil
	}
	return record, true, nil
}

func (c *Coordinator) setLeader(leader bool) {
	was := c.isLeader.Swap(leader)
	if was != leader {
		if leader {
			log.Printf("[cluster] instance %s acquired leadership", c.id)
		} else {
			log.Printf("[cluster] instance %s lost leadership", c.id)
		}
	}
}
