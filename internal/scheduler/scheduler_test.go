package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"scaletozero/internal/kernelmap"
	"scaletozero/internal/model"
	"scaletozero/internal/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTable struct {
	mu      sync.Mutex
	entries map[uint32]bool
}

func newFakeTable() *fakeTable { return &fakeTable{entries: make(map[uint32]bool)} }
func (f *fakeTable) Set(ipv4 uint32, isAvailable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[ipv4] = isAvailable
	return nil
}
func (f *fakeTable) Delete(ipv4 uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, ipv4)
	return nil
}
func (f *fakeTable) Enumerate() (map[uint32]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uint32]bool, len(f.entries))
	for k, v := range f.entries {
		out[k] = v
	}
	return out, nil
}
func (f *fakeTable) Close() error { return nil }

type fakeSnapshotter struct{ reg *registry.Registry }

func (f *fakeSnapshotter) Snapshot() []*model.ServiceRecord { return f.reg.Snapshot() }

type fakeWorkloadAPI struct {
	mu       sync.Mutex
	ready    map[string]bool
	scaleErr error
	scaled   []scaleCall
}

type scaleCall struct {
	workload model.WorkloadRef
	replicas int32
}

func (f *fakeWorkloadAPI) Scale(ctx context.Context, workload model.WorkloadRef, replicas int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scaled = append(f.scaled, scaleCall{workload, replicas})
	return f.scaleErr
}
func (f *fakeWorkloadAPI) Ready(ctx context.Context, workload model.WorkloadRef) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready[workload.String()], nil
}
func (f *fakeWorkloadAPI) Replicas(ctx context.Context, workload model.WorkloadRef) (int32, error) {
	return 0, nil
}

type fakeAutoscalerManager struct {
	mu            sync.Mutex
	captureErr    error
	deleteErr     error
	recreateCalls []model.WorkloadRef
}

func (f *fakeAutoscalerManager) Capture(ctx context.Context, workload model.WorkloadRef) (*model.AutoscalerSpec, error) {
	if f.captureErr != nil {
		return nil, f.captureErr
	}
	return &model.AutoscalerSpec{MinReplicas: 1, MaxReplicas: 5}, nil
}
func (f *fakeAutoscalerManager) Delete(ctx context.Context, workload model.WorkloadRef) error {
	return f.deleteErr
}
func (f *fakeAutoscalerManager) ScheduleRecreate(workload model.WorkloadRef, name string, spec model.AutoscalerSpec, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recreateCalls = append(f.recreateCalls, workload)
}

func newTestScheduler(t *testing.T) (*Scheduler, *registry.Registry, *fakeTable, *fakeWorkloadAPI, *fakeAutoscalerManager) {
	t.Helper()
	reg := registry.New()
	table := newFakeTable()
	bridge := kernelmap.New(table, &fakeSnapshotter{reg: reg}, time.Hour)
	wapi := &fakeWorkloadAPI{ready: make(map[string]bool)}
	am := &fakeAutoscalerManager{}

	s := New(reg, bridge, wapi, am, Config{
		RateWindow:     50 * time.Millisecond,
		ReadyTimeout:   500 * time.Millisecond,
		InterStepDelay: 10 * time.Millisecond,
		RecreateDelay:  time.Millisecond,
	})
	return s, reg, table, wapi, am
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestScaleUpTransitionsToAvailable(t *testing.T) {
	s, reg, table, wapi, _ := newTestScheduler(t)
	ref := model.WorkloadRef{Kind: model.WorkloadDeployment, Name: "worker", Namespace: "default"}
	reg.Upsert("10.0.0.5", &model.ServiceRecord{IP: "10.0.0.5", Workload: ref, State: model.StateUnavailable})
	wapi.ready[ref.String()] = true

	s.RequestScaleUp(context.Background(), "10.0.0.5")

	waitUntil(t, time.Second, func() bool { return reg.Get("10.0.0.5").State == model.StateAvailable })

	u32, _ := model.IPv4ToUint32("10.0.0.5")
	waitUntil(t, time.Second, func() bool { got, _ := table.Enumerate(); return got[u32] })
}

func TestScaleUpRateLimitsCoalesce(t *testing.T) {
	s, reg, _, wapi, _ := newTestScheduler(t)
	ref := model.WorkloadRef{Kind: model.WorkloadDeployment, Name: "worker", Namespace: "default"}
	reg.Upsert("10.0.0.5", &model.ServiceRecord{IP: "10.0.0.5", Workload: ref, State: model.StateUnavailable})
	wapi.ready[ref.String()] = true

	s.RequestScaleUp(context.Background(), "10.0.0.5")
	s.RequestScaleUp(context.Background(), "10.0.0.5") // should be coalesced

	waitUntil(t, time.Second, func() bool { return reg.Get("10.0.0.5").State == model.StateAvailable })

	wapi.mu.Lock()
	count := len(wapi.scaled)
	wapi.mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestScaleUpBringsUpDependencyClosure(t *testing.T) {
	s, reg, _, wapi, _ := newTestScheduler(t)
	child := model.WorkloadRef{Kind: model.WorkloadDeployment, Name: "child", Namespace: "default"}
	parent := model.WorkloadRef{Kind: model.WorkloadDeployment, Name: "parent", Namespace: "default"}

	reg.Upsert("10.0.0.1", &model.ServiceRecord{IP: "10.0.0.1", Workload: parent, State: model.StateUnavailable, Dependencies: []model.WorkloadRef{child}, Priority: 50})
	reg.Upsert("10.0.0.2", &model.ServiceRecord{IP: "10.0.0.2", Workload: child, State: model.StateUnavailable, Priority: 20})
	wapi.ready[child.String()] = true
	wapi.ready[parent.String()] = true

	s.RequestScaleUp(context.Background(), "10.0.0.1")

	waitUntil(t, 2*time.Second, func() bool {
		return reg.Get("10.0.0.1").State == model.StateAvailable && reg.Get("10.0.0.2").State == model.StateAvailable
	})
}

func TestScaleDownOnlyActsOnAvailable(t *testing.T) {
	s, reg, _, wapi, _ := newTestScheduler(t)
	ref := model.WorkloadRef{Kind: model.WorkloadDeployment, Name: "worker", Namespace: "default"}
	reg.Upsert("10.0.0.5", &model.ServiceRecord{IP: "10.0.0.5", Workload: ref, State: model.StateUnavailable})

	s.RequestScaleDown(context.Background(), "10.0.0.5")
	time.Sleep(100 * time.Millisecond)

	wapi.mu.Lock()
	count := len(wapi.scaled)
	wapi.mu.Unlock()
	assert.Zero(t, count)
	assert.Equal(t, model.StateUnavailable, reg.Get("10.0.0.5").State)
}

func TestScaleDownTransitionsToUnavailableAndUpdatesKernelMap(t *testing.T) {
	s, reg, table, _, _ := newTestScheduler(t)
	ref := model.WorkloadRef{Kind: model.WorkloadDeployment, Name: "worker", Namespace: "default"}
	reg.Upsert("10.0.0.5", &model.ServiceRecord{IP: "10.0.0.5", Workload: ref, State: model.StateAvailable})

	s.RequestScaleDown(context.Background(), "10.0.0.5")

	waitUntil(t, time.Second, func() bool { return reg.Get("10.0.0.5").State == model.StateUnavailable })

	u32, _ := model.IPv4ToUint32("10.0.0.5")
	waitUntil(t, time.Second, func() bool { got, _ := table.Enumerate(); avail, ok := got[u32]; return ok && !avail })
}

func TestScaleDownCapturesAndDeletesAutoscaler(t *testing.T) {
	s, reg, _, _, am := newTestScheduler(t)
	ref := model.WorkloadRef{Kind: model.WorkloadDeployment, Name: "worker", Namespace: "default"}
	reg.Upsert("10.0.0.5", &model.ServiceRecord{
		IP: "10.0.0.5", Workload: ref, State: model.StateAvailable,
		Autoscaler: model.AutoscalerState{Enabled: true, Name: "worker"},
	})

	s.RequestScaleDown(context.Background(), "10.0.0.5")

	waitUntil(t, time.Second, func() bool {
		rec := reg.Get("10.0.0.5")
		return rec.State == model.StateUnavailable && rec.Autoscaler.Suspended
	})
	rec := reg.Get("10.0.0.5")
	require.NotNil(t, rec.Autoscaler.CapturedSpec)
}

func TestScaleUpSchedulesAutoscalerRecreateWhenSuspended(t *testing.T) {
	s, reg, _, wapi, am := newTestScheduler(t)
	ref := model.WorkloadRef{Kind: model.WorkloadDeployment, Name: "worker", Namespace: "default"}
	seed := model.AutoscalerSpec{MinReplicas: 1, MaxReplicas: 3}
	reg.Upsert("10.0.0.5", &model.ServiceRecord{
		IP: "10.0.0.5", Workload: ref, State: model.StateUnavailable,
		Autoscaler: model.AutoscalerState{Enabled: true, Name: "worker", Suspended: true, CapturedSpec: &seed},
	})
	wapi.ready[ref.String()] = true

	s.RequestScaleUp(context.Background(), "10.0.0.5")

	waitUntil(t, time.Second, func() bool {
		am.mu.Lock()
		defer am.mu.Unlock()
		return len(am.recreateCalls) == 1
	})
}

func TestRecentEventsRecordsScaleActions(t *testing.T) {
	s, reg, _, wapi, _ := newTestScheduler(t)
	ref := model.WorkloadRef{Kind: model.WorkloadDeployment, Name: "worker", Namespace: "default"}
	reg.Upsert("10.0.0.5", &model.ServiceRecord{IP: "10.0.0.5", Workload: ref, State: model.StateUnavailable})
	wapi.ready[ref.String()] = true

	s.RequestScaleUp(context.Background(), "10.0.0.5")
	waitUntil(t, time.Second, func() bool { return len(s.RecentEvents()) > 0 })

	events := s.RecentEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "scale_up", events[0].Action)
}
