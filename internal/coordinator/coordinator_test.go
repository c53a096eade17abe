package coordinator

import (
	"context"
	"testing"
	"time"

	"scaletozero/internal/kernelmap"
	"scaletozero/internal/model"
	"scaletozero/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTable struct{ entries map[uint32]bool }

func newFakeTable() *fakeTable { return &fakeTable{entries: make(map[uint32]bool)} }
func (f *fakeTable) Set(ipv4 uint32, isAvailable bool) error { f.entries[ipv4] = isAvailable; return nil }
func (f *fakeTable) Delete(ipv4 uint32) error                { delete(f.entries, ipv4); return nil }
func (f *fakeTable) Enumerate() (map[uint32]bool, error) {
	out := make(map[uint32]bool, len(f.entries))
	for k, v := range f.entries {
		out[k] = v
	}
	return out, nil
}
func (f *fakeTable) Close() error { return nil }

type fakeSnapshotter struct{ reg *registry.Registry }

func (f *fakeSnapshotter) Snapshot() []*model.ServiceRecord { return f.reg.Snapshot() }

func newTestCoordinator(t *testing.T) (*Coordinator, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	bridge := kernelmap.New(newFakeTable(), &fakeSnapshotter{reg: reg}, time.Hour)
	return &Coordinator{
		registry:    reg,
		bridge:      bridge,
		nodeID:      "node-a",
		syncInt:     time.Second,
		leaderTTL:   30 * time.Second,
		localMtimes: make(map[string]time.Time),
		dirty:       make(map[string]struct{}),
	}, reg
}

func TestNewFillsDefaults(t *testing.T) {
	c, err := New(Config{Endpoints: []string{"127.0.0.1:2379"}, NodeID: "node-a"}, registry.New(), nil)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, time.Second, c.syncInt)
	assert.Equal(t, 30*time.Second, c.leaderTTL)
}

func TestMergeServiceAppliesUnseenRecordRegardlessOfMtime(t *testing.T) {
	c, reg := newTestCoordinator(t)
	ref := model.WorkloadRef{Kind: model.WorkloadDeployment, Name: "worker", Namespace: "default"}

	c.mergeService(replicatedService{
		Record: model.ServiceRecord{IP: "10.0.0.5", Workload: ref, State: model.StateAvailable},
		Mtime:  time.Unix(0, 0),
		Node:   "node-b",
	})

	rec := reg.Get("10.0.0.5")
	require.NotNil(t, rec)
	assert.Equal(t, model.StateAvailable, rec.State)
}

func TestMergeServiceAppliesNewerMtime(t *testing.T) {
	c, reg := newTestCoordinator(t)
	ref := model.WorkloadRef{Kind: model.WorkloadDeployment, Name: "worker", Namespace: "default"}
	reg.Upsert("10.0.0.5", &model.ServiceRecord{IP: "10.0.0.5", Workload: ref, State: model.StateUnavailable})

	first := time.Now()
	c.mergeService(replicatedService{
		Record: model.ServiceRecord{IP: "10.0.0.5", Workload: ref, State: model.StateAvailable},
		Mtime:  first,
		Node:   "node-b",
	})
	assert.Equal(t, model.StateAvailable, reg.Get("10.0.0.5").State)

	second := first.Add(time.Second)
	c.mergeService(replicatedService{
		Record: model.ServiceRecord{IP: "10.0.0.5", Workload: ref, State: model.StateUnavailable},
		Mtime:  second,
		Node:   "node-b",
	})
	assert.Equal(t, model.StateUnavailable, reg.Get("10.0.0.5").State)
}

func TestMergeServiceIgnoresStaleMtime(t *testing.T) {
	c, reg := newTestCoordinator(t)
	ref := model.WorkloadRef{Kind: model.WorkloadDeployment, Name: "worker", Namespace: "default"}

	newer := time.Now()
	c.mergeService(replicatedService{
		Record: model.ServiceRecord{IP: "10.0.0.5", Workload: ref, State: model.StateAvailable},
		Mtime:  newer,
		Node:   "node-b",
	})

	older := newer.Add(-time.Minute)
	c.mergeService(replicatedService{
		Record: model.ServiceRecord{IP: "10.0.0.5", Workload: ref, State: model.StateUnavailable},
		Mtime:  older,
		Node:   "node-b",
	})

	assert.Equal(t, model.StateAvailable, reg.Get("10.0.0.5").State, "a stale mtime must not overwrite a newer local view")
}

func TestMergeServicePreservesLastActivityMax(t *testing.T) {
	c, reg := newTestCoordinator(t)
	ref := model.WorkloadRef{Kind: model.WorkloadDeployment, Name: "worker", Namespace: "default"}
	localActivity := time.Now()
	reg.Upsert("10.0.0.5", &model.ServiceRecord{IP: "10.0.0.5", Workload: ref, State: model.StateAvailable, LastActivity: localActivity})

	remoteActivity := localActivity.Add(-time.Hour)
	c.mergeService(replicatedService{
		Record: model.ServiceRecord{IP: "10.0.0.5", Workload: ref, State: model.StateAvailable, LastActivity: remoteActivity},
		Mtime:  localActivity.Add(time.Second),
		Node:   "node-b",
	})

	assert.True(t, reg.Get("10.0.0.5").LastActivity.Equal(localActivity), "LastActivity must never move backward regardless of mtime")
}

func TestRecordStoreResultEntersLocalOnlyAfterThreeFailures(t *testing.T) {
	c, _ := newTestCoordinator(t)
	for i := 0; i < 3; i++ {
		c.recordStoreResult(assertErr)
		assert.False(t, c.LocalOnly(), "should not degrade before exceeding the 3-failure threshold")
	}
	c.recordStoreResult(assertErr)
	assert.True(t, c.LocalOnly())
}

func TestRecordStoreResultRecoversOnSuccess(t *testing.T) {
	c, _ := newTestCoordinator(t)
	for i := 0; i < 4; i++ {
		c.recordStoreResult(assertErr)
	}
	require.True(t, c.LocalOnly())

	c.recordStoreResult(nil)
	assert.False(t, c.LocalOnly())
}

func TestPublishNowMarksDirtyWithoutTouchingStore(t *testing.T) {
	c, _ := newTestCoordinator(t)
	err := c.PublishNow(context.Background(), "10.0.0.99")
	assert.NoError(t, err)

	c.mu.Lock()
	_, dirty := c.dirty["10.0.0.99"]
	c.mu.Unlock()
	assert.True(t, dirty)
}

func TestFlushDirtySkipsIPsNoLongerInRegistry(t *testing.T) {
	c, _ := newTestCoordinator(t)
	require.NoError(t, c.PublishNow(context.Background(), "10.0.0.99"))

	// No live etcd client is wired for this test double, so a non-empty
	// dirty set whose only member has no registry record must drain
	// without attempting a store call (which would nil-panic on c.client).
	c.flushDirty(context.Background())

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.dirty)
}

var assertErr = context.DeadlineExceeded
