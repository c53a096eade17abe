// Package coordinator implements the distributed coordinator (spec.md
// §4.H): etcd-backed leader election, periodic state replication
// between nodes, and degradation to single-node operation when the
// store is unreachable. Grounded on the teacher's
// pkg/autoscaler/manager.go distributedLock (NewRedisDistributedLock):
// lease-acquire / keepalive / resign-on-failure generalized here from
// Redis SETNX+EXPIRE to etcd's native CAS+Lease primitives, which give
// the same guarantee without a hand-rolled fencing token.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"scaletozero/internal/kernelmap"
	"scaletozero/internal/model"
	"scaletozero/internal/registry"
	"scaletozero/pkg/logger"
)

const leaderKey = "/coord/leader"

// dirtyFlushInterval is the batching granularity for follower ad-hoc
// activity writes (spec.md §4.H Open Questions decision: "batch at
// 100ms granularity ... via a dirty-set + ticker in
// internal/coordinator" rather than one etcd Put per packet event).
const dirtyFlushInterval = 100 * time.Millisecond

func servicesKey(ip string) string { return "/coord/services/" + ip }

func kernelMapKey(u32 uint32) string { return fmt.Sprintf("/coord/kernel-map/%d", u32) }

const servicesPrefix = "/coord/services/"
const kernelMapPrefix = "/coord/kernel-map/"

// Config tunes the coordinator (spec.md §6.4).
type Config struct {
	Endpoints    []string
	NodeID       string
	SyncInterval time.Duration
	LeaderTTL    time.Duration
}

// replicatedService is the wire envelope for /coord/services/{ip}.
type replicatedService struct {
	Record model.ServiceRecord `json:"record"`
	Mtime  time.Time           `json:"mtime"`
	Node   string              `json:"node"`
}

// replicatedKernelEntry is the wire envelope for /coord/kernel-map/{ip_u32}.
type replicatedKernelEntry struct {
	IPv4      uint32    `json:"ip_u32"`
	Available bool      `json:"available"`
	Mtime     time.Time `json:"mtime"`
	Node      string    `json:"node"`
}

// storeClient is the subset of *clientv3.Client the coordinator calls,
// declared locally so it is structurally satisfied by the real client
// without an adapter. etcd ships no lightweight embeddable fake (unlike
// miniredis for the Redis mirror path), so this interface exists only
// to make the pure decision logic below (mergeService,
// recordStoreResult) testable without a live store — the txn/lease
// wire behavior itself is exercised the way the teacher's own
// pkg/store/redis integration is, against a real backend, not unit
// tests.
type storeClient interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
	KeepAliveOnce(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseKeepAliveResponse, error)
	Txn(ctx context.Context) clientv3.Txn
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan
	Close() error
}

// Coordinator replicates registry and kernel-map state across nodes
// through etcd, electing one leader to drive the periodic publish.
type Coordinator struct {
	client    storeClient
	registry  *registry.Registry
	bridge    *kernelmap.Bridge
	nodeID    string
	syncInt   time.Duration
	leaderTTL time.Duration

	mu                  sync.Mutex
	isLeader            bool
	consecutiveFailures int
	localOnly           bool
	localMtimes         map[string]time.Time
	dirty               map[string]struct{}
}

// New dials the consensus store and returns a Coordinator. The dial is
// lazy (etcd's client does not block on connect), so a store that is
// down at startup does not prevent the node from running in
// LOCAL_ONLY mode until it recovers.
func New(cfg Config, reg *registry.Registry, bridge *kernelmap.Bridge) (*Coordinator, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("coordinator: dial consensus store: %w", err)
	}

	syncInt := cfg.SyncInterval
	if syncInt <= 0 {
		syncInt = time.Second
	}
	leaderTTL := cfg.LeaderTTL
	if leaderTTL <= 0 {
		leaderTTL = 30 * time.Second
	}

	return &Coordinator{
		client:      client,
		registry:    reg,
		bridge:      bridge,
		nodeID:      cfg.NodeID,
		syncInt:     syncInt,
		leaderTTL:   leaderTTL,
		localMtimes: make(map[string]time.Time),
		dirty:       make(map[string]struct{}),
	}, nil
}

// Close releases the underlying etcd client.
func (c *Coordinator) Close() error {
	return c.client.Close()
}

// IsLeader reports whether this node currently holds the leader lease.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLeader
}

// LocalOnly reports whether the node has degraded to single-node
// operation after losing contact with the store (spec.md §4.H
// "Degradation").
func (c *Coordinator) LocalOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localOnly
}

// Run drives leader election and state replication until ctx is
// cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); c.electionLoop(ctx) }()
	go func() { defer wg.Done(); c.replicationLoop(ctx) }()
	go func() { defer wg.Done(); c.dirtyFlushLoop(ctx) }()
	wg.Wait()
}

// electionLoop repeatedly attempts to become leader; when it cannot
// (another node holds the lease), it waits for the leader key to
// disappear before trying again (spec.md §4.H "Leader election").
func (c *Coordinator) electionLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if c.tryBecomeLeader(ctx) {
			continue // lease held and then resigned/lost; re-attempt immediately
		}
		c.watchLeader(ctx)
	}
}

func (c *Coordinator) tryBecomeLeader(ctx context.Context) bool {
	lease, err := c.client.Grant(ctx, int64(c.leaderTTL.Seconds()))
	if err != nil {
		c.recordStoreResult(err)
		time.Sleep(c.syncInt)
		return false
	}

	resp, err := c.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(leaderKey), "=", 0)).
		Then(clientv3.OpPut(leaderKey, c.nodeID, clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		c.recordStoreResult(err)
		_, _ = c.client.Revoke(ctx, lease.ID)
		time.Sleep(c.syncInt)
		return false
	}
	c.recordStoreResult(nil)
	if !resp.Succeeded {
		_, _ = c.client.Revoke(ctx, lease.ID)
		return false
	}

	c.mu.Lock()
	c.isLeader = true
	c.mu.Unlock()
	logger.InfoCtx(ctx, "coordinator: %s became leader", c.nodeID)

	c.keepAlive(ctx, lease.ID)

	c.mu.Lock()
	c.isLeader = false
	c.mu.Unlock()
	logger.InfoCtx(ctx, "coordinator: %s resigned leadership", c.nodeID)
	return true
}

// keepAlive refreshes the lease every TTL/3 until three consecutive
// refreshes fail, at which point it resigns by revoking the lease
// (spec.md §4.H: "three consecutive refresh failures → resign").
func (c *Coordinator) keepAlive(ctx context.Context, leaseID clientv3.LeaseID) {
	interval := c.leaderTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.client.KeepAliveOnce(ctx, leaseID); err != nil {
				failures++
				logger.WarnCtx(ctx, "coordinator: lease refresh failed (%d/3): %v", failures, err)
				if failures >= 3 {
					_, _ = c.client.Revoke(context.Background(), leaseID)
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// watchLeader blocks until the leader key is deleted (the leader
// resigned or its lease expired) or leaderTTL elapses, whichever
// comes first — the timeout guards against a missed watch event.
func (c *Coordinator) watchLeader(ctx context.Context) {
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := c.client.Watch(watchCtx, leaderKey)
	timeout := time.NewTimer(c.leaderTTL)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timeout.C:
			return
		case resp, ok := <-ch:
			if !ok {
				return
			}
			for _, ev := range resp.Events {
				if ev.Type == clientv3.EventTypeDelete {
					return
				}
			}
		}
	}
}

// replicationLoop publishes (leader) or pulls and merges (follower)
// state every syncInt (spec.md §4.H "State replication").
func (c *Coordinator) replicationLoop(ctx context.Context) {
	ticker := time.NewTicker(c.syncInt)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.IsLeader() {
				c.publishAll(ctx)
			} else {
				c.pullAndMerge(ctx)
			}
		}
	}
}

func (c *Coordinator) publishAll(ctx context.Context) {
	now := time.Now()
	var firstErr error
	for _, rec := range c.registry.Snapshot() {
		if err := c.publishOne(ctx, rec, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.recordStoreResult(firstErr)
}

func (c *Coordinator) publishOne(ctx context.Context, rec *model.ServiceRecord, mtime time.Time) error {
	payload := replicatedService{Record: *rec, Mtime: mtime, Node: c.nodeID}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal service %s: %w", rec.IP, err)
	}
	if _, err := c.client.Put(ctx, servicesKey(rec.IP), string(data)); err != nil {
		return err
	}

	u32, err := model.IPv4ToUint32(rec.IP)
	if err != nil {
		return nil // not a routable record, nothing to mirror
	}
	kdata, err := json.Marshal(replicatedKernelEntry{IPv4: u32, Available: rec.Available(), Mtime: mtime, Node: c.nodeID})
	if err != nil {
		return fmt.Errorf("marshal kernel-map entry %s: %w", rec.IP, err)
	}
	_, err = c.client.Put(ctx, kernelMapKey(u32), string(kdata))
	return err
}

// PublishNow records ip as dirty for the ad hoc follower write spec.md
// §4.H describes: "any node that sees a local traffic update may also
// write /coord/services/{ip} ... without waiting for the leader". Per
// the Open Questions decision, this write is batched rather than fired
// immediately: PublishNow only marks ip dirty (a cheap, lock-only
// operation safe to call from the packet-event hot path) and returns;
// dirtyFlushLoop drains the dirty set to etcd every dirtyFlushInterval.
func (c *Coordinator) PublishNow(ctx context.Context, ip string) error {
	c.mu.Lock()
	c.dirty[ip] = struct{}{}
	c.mu.Unlock()
	return nil
}

// dirtyFlushLoop drains the dirty set to etcd every dirtyFlushInterval,
// the 100ms batching granularity named in spec.md §4.H's Open
// Questions decision.
func (c *Coordinator) dirtyFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(dirtyFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flushDirty(ctx)
		}
	}
}

// flushDirty publishes every IP marked dirty since the last flush and
// clears the set, regardless of leadership — any node may perform this
// ad hoc write per spec.md §4.H.
func (c *Coordinator) flushDirty(ctx context.Context) {
	c.mu.Lock()
	if len(c.dirty) == 0 {
		c.mu.Unlock()
		return
	}
	ips := make([]string, 0, len(c.dirty))
	for ip := range c.dirty {
		ips = append(ips, ip)
	}
	c.dirty = make(map[string]struct{})
	c.mu.Unlock()

	now := time.Now()
	var firstErr error
	for _, ip := range ips {
		rec := c.registry.Get(ip)
		if rec == nil {
			continue
		}
		if err := c.publishOne(ctx, rec, now); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.recordStoreResult(firstErr)
}

func (c *Coordinator) pullAndMerge(ctx context.Context) {
	resp, err := c.client.Get(ctx, servicesPrefix, clientv3.WithPrefix())
	c.recordStoreResult(err)
	if err == nil {
		for _, kv := range resp.Kvs {
			var payload replicatedService
			if jsonErr := json.Unmarshal(kv.Value, &payload); jsonErr != nil {
				logger.WarnCtx(ctx, "coordinator: decode %s failed: %v", kv.Key, jsonErr)
				continue
			}
			c.mergeService(payload)
		}
	}

	kresp, kerr := c.client.Get(ctx, kernelMapPrefix, clientv3.WithPrefix())
	if kerr != nil {
		logger.WarnCtx(ctx, "coordinator: pull kernel-map state failed: %v", kerr)
		return
	}
	for _, kv := range kresp.Kvs {
		var entry replicatedKernelEntry
		if jsonErr := json.Unmarshal(kv.Value, &entry); jsonErr != nil {
			continue
		}
		// Mirror verbatim into the local kernel bridge (spec.md §4.H);
		// this deliberately bypasses the registry. The bridge's 100ms
		// reconciler later rewrites each entry from the registry, which
		// the services merge above has already updated.
		if err := c.bridge.Set(model.Uint32ToIPv4(entry.IPv4), entry.Available); err != nil {
			logger.WarnCtx(ctx, "coordinator: mirror kernel-map entry %d failed: %v", entry.IPv4, err)
		}
	}
}

// mergeService applies the mtime-wins merge rule (spec.md §4.H
// "Merge rule"): the remote record replaces the local one only if its
// mtime is newer than the last remote mtime we accepted for this IP.
// LastActivity itself is exempt — registry.Upsert already keeps
// max(local, remote) for that one field regardless of mtime.
func (c *Coordinator) mergeService(payload replicatedService) {
	ip := payload.Record.IP
	if ip == "" {
		return
	}

	c.mu.Lock()
	last, seen := c.localMtimes[ip]
	c.mu.Unlock()
	if seen && !payload.Mtime.After(last) {
		return
	}

	rec := payload.Record
	c.registry.Upsert(ip, &rec)

	c.mu.Lock()
	c.localMtimes[ip] = payload.Mtime
	c.mu.Unlock()
}

// recordStoreResult tracks consecutive store failures and toggles
// LOCAL_ONLY degradation at the threshold spec.md §4.H names ("more
// than 3 consecutive attempts"). A single success clears the count
// immediately, matching "on recovery, leader election runs again and
// the merge rule heals divergence".
func (c *Coordinator) recordStoreResult(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		if c.localOnly {
			logger.InfoCtx(context.Background(), "coordinator: consensus store reachable again, leaving LOCAL_ONLY")
		}
		c.consecutiveFailures = 0
		c.localOnly = false
		return
	}

	c.consecutiveFailures++
	if c.consecutiveFailures > 3 && !c.localOnly {
		c.localOnly = true
		logger.WarnCtx(context.Background(), "coordinator: consensus store unreachable (%d consecutive failures), entering LOCAL_ONLY", c.consecutiveFailures)
	}
}
