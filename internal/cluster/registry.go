package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/formgate/formgate/internal/model"
)

// register writes this instance's registry entry and records the first
// heartbeat.
func (c *Coordinator) register(ctx context.Context) error {
	nowNs := c.now().UnixNano()
	record := model.InstanceRecord{
		ID:              c.id,
		Address:         c.address,
		Workers:         c.workers,
		StartedAtNs:     c.startedAtNs,
		LastHeartbeatNs: nowNs,
		Status:          model.InstanceActive,
	}
	if err := c.writeRecord(ctx, record); err != nil {
		return fmt.Errorf("cluster: register: %w", err)
	}
	c.lastBeatNs.Store(nowNs)
	return nil
}

// heartbeat refreshes this instance's registry entry. When the loop itself
// has been delayed past the drift threshold the instance marks itself
// drifted so observers can flag it without assuming it is down.
func (c *Coordinator) heartbeat(ctx context.Context) error {
	nowNs := c.now().UnixNano()
	status := model.InstanceActive
	if last := c.lastBeatNs.Load(); last > 0 && nowNs-last > int64(c.driftThreshold) {
		status = model.InstanceDrifted
		log.Printf("[cluster] heartbeat drifted by %dms, self-marking", (nowNs-last)/1e6)
	}

	record := model.InstanceRecord{
		ID:              c.id,
		Address:         c.address,
		Workers:         c.workers,
		StartedAtNs:     c.startedAtNs,
		LastHeartbeatNs: nowNs,
		Status:          status,
	}
	if err := c.writeRecord(ctx, record); err != nil {
		return err
	}
	c.lastBeatNs.Store(nowNs)
	return nil
}

// sweepStalePeers marks peers whose last heartbeat exceeds the stale
// threshold as down. Advisory bookkeeping performed by every instance, not a
// quorum failure detector.
func (c *Coordinator) sweepStalePeers(ctx context.Context) {
	instances, err := c.Instances(ctx)
	if err != nil {
		log.Printf("[cluster] stale sweep: %v", err)
		return
	}
	cutoffNs := c.now().Add(-c.staleThreshold).UnixNano()
	for _, inst := range instances {
		if inst.ID == c.id || inst.Status == model.InstanceDown {
			continue
		}
		if inst.LastHeartbeatNs < cutoffNs {
			if err := c.markDown(ctx, inst.ID); err != nil {
				log.Printf("[cluster] mark %s down: %v", inst.ID, err)
			} else {
				log.Printf("[cluster] marked instance %s down (stale heartbeat)", inst.ID)
			}
		}
	}
}

// markDown flips an instance record to down, preserving its other fields.
func (c *Coordinator) markDown(ctx context.Context, id string) error {
	raw, ok, err := c.kv.Get(ctx, instanceKeyPrefix+id)
	if err != nil || !ok {
		return err
	}
	var record model.InstanceRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return fmt.Errorf("cluster: decode instance %s: %w", id, err)
	}
	record.Status = model.InstanceDown
	return c.writeRecord(ctx, record)
}

func (c *Coordinator) writeRecord(ctx context.Context, record model.InstanceRecord) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("cluster: encode instance: %w", err)
	}
	return c.kv.Set(ctx, instanceKeyPrefix+record.ID, string(encoded), 0)
}

// Instances lists all registered instances, sorted by id for stable output.
func (c *Coordinator) Instances(ctx context.Context) ([]model.InstanceRecord, error) {
	entries, err := c.kv.ScanPrefix(ctx, instanceKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("cluster: scan instances: %w", err)
	}
	out := make([]model.InstanceRecord, 0, len(entries))
	for key, raw := range entries {
		var record model.InstanceRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			log.Printf("[cluster] skipping malformed instance record %s", strings.TrimPrefix(key, instanceKeyPrefix))
			continue
		}
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PeerAddresses returns replication addresses of live peers (active or
// drifted, not this instance, address known).
func (c *Coordinator) PeerAddresses(ctx context.Context) []string {
	instances, err := c.Instances(ctx)
	if err != nil {
		log.Printf("[cluster] peer list: %v", err)
		return nil
	}
	var addrs []string
	for _, inst := range instances {
		if inst.ID == c.id || inst.Address == "" || inst.Status == model.InstanceDown {
			continue
		}
		addrs = append(addrs, inst.Address)
	}
	return addrs
}
