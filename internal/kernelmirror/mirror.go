// Package kernelmirror implements the optional same-node,
// multi-process kernel-map fan-out path (SPEC_FULL.md domain stack):
// when the distributed coordinator (component H) is disabled but
// several node-local processes still share one kernel filter, a
// lightweight Redis pub/sub channel keeps their kernel-map bridges in
// sync without standing up a full consensus store. Grounded on the
// teacher's pkg/store/redis/client.go client-wrapper shape, extended
// here with Publish/Subscribe since the teacher itself never uses
// Redis pub/sub (it only stores worker records).
package kernelmirror

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"scaletozero/internal/model"
	"scaletozero/pkg/logger"
)

const channel = "scale_to_zero.kernel_map"

// update is the wire payload broadcast on the mirror channel.
type update struct {
	IPv4      uint32 `json:"ip_u32"`
	Available bool   `json:"available"`
}

// Mirror publishes and receives kernel-map availability changes over
// Redis pub/sub, for same-node fan-out only (it carries no mtime or
// conflict resolution — the consensus-store path is what heals
// divergence across nodes).
type Mirror struct {
	client *redis.Client
}

// New dials addr and verifies connectivity with a single Ping.
func New(addr, password string, db int) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("kernelmirror: connect to %s: %w", addr, err)
	}
	return &Mirror{client: client}, nil
}

// Close releases the underlying Redis connection.
func (m *Mirror) Close() error {
	return m.client.Close()
}

// Publish broadcasts ip's new availability to every other local
// process subscribed to the mirror channel.
func (m *Mirror) Publish(ctx context.Context, ip string, available bool) error {
	u32, err := model.IPv4ToUint32(ip)
	if err != nil {
		return err
	}
	data, err := json.Marshal(update{IPv4: u32, Available: available})
	if err != nil {
		return fmt.Errorf("kernelmirror: marshal update for %s: %w", ip, err)
	}
	return m.client.Publish(ctx, channel, data).Err()
}

// KernelSetter is the subset of the kernel-map bridge the mirror
// applies incoming updates to.
type KernelSetter interface {
	Set(ip string, isAvailable bool) error
}

// Run subscribes to the mirror channel and applies every update it
// receives to bridge until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context, bridge KernelSetter) {
	sub := m.client.Subscribe(ctx, channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var u update
			if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
				logger.WarnCtx(ctx, "kernelmirror: decode update failed: %v", err)
				continue
			}
			ip := model.Uint32ToIPv4(u.IPv4)
			if err := bridge.Set(ip, u.Available); err != nil {
				logger.WarnCtx(ctx, "kernelmirror: apply update for %s failed: %v", ip, err)
			}
		}
	}
}
