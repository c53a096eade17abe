package idledetector

import (
	"context"
	"testing"
	"time"

	"scaletozero/internal/model"
	"scaletozero/internal/registry"

	"github.com/stretchr/testify/assert"
)

type fakeScheduler struct {
	requested []string
}

func (f *fakeScheduler) RequestScaleDown(ctx context.Context, ip string) {
	f.requested = append(f.requested, ip)
}

func TestTickSkipsActiveServices(t *testing.T) {
	reg := registry.New()
	reg.Upsert("10.0.0.1", &model.ServiceRecord{
		IP: "10.0.0.1", State: model.StateAvailable,
		LastActivity: time.Now(), ScaleDownIdle: time.Hour,
	})

	sched := &fakeScheduler{}
	d := New(reg, sched, time.Second)
	d.tick(context.Background())

	assert.Empty(t, sched.requested)
}

func TestTickSkipsNonAvailableServices(t *testing.T) {
	reg := registry.New()
	reg.Upsert("10.0.0.1", &model.ServiceRecord{
		IP: "10.0.0.1", State: model.StateScalingDown,
		LastActivity: time.Now().Add(-time.Hour), ScaleDownIdle: time.Minute,
	})

	sched := &fakeScheduler{}
	d := New(reg, sched, time.Second)
	d.tick(context.Background())

	assert.Empty(t, sched.requested)
}

func TestTickSubmitsIdleServices(t *testing.T) {
	reg := registry.New()
	reg.Upsert("10.0.0.1", &model.ServiceRecord{
		IP: "10.0.0.1", State: model.StateAvailable,
		LastActivity: time.Now().Add(-time.Hour), ScaleDownIdle: time.Minute,
	})

	sched := &fakeScheduler{}
	d := New(reg, sched, time.Second)
	d.tick(context.Background())

	assert.Equal(t, []string{"10.0.0.1"}, sched.requested)
}

func TestTickSortsByPriorityAscending(t *testing.T) {
	reg := registry.New()
	idleSince := time.Now().Add(-time.Hour)
	reg.Upsert("10.0.0.1", &model.ServiceRecord{IP: "10.0.0.1", State: model.StateAvailable, LastActivity: idleSince, ScaleDownIdle: time.Minute, Priority: 90})
	reg.Upsert("10.0.0.2", &model.ServiceRecord{IP: "10.0.0.2", State: model.StateAvailable, LastActivity: idleSince, ScaleDownIdle: time.Minute, Priority: 10})
	reg.Upsert("10.0.0.3", &model.ServiceRecord{IP: "10.0.0.3", State: model.StateAvailable, LastActivity: idleSince, ScaleDownIdle: time.Minute, Priority: 50})

	sched := &fakeScheduler{}
	d := New(reg, sched, time.Second)
	d.tick(context.Background())

	assert.Equal(t, []string{"10.0.0.2", "10.0.0.3", "10.0.0.1"}, sched.requested)
}
