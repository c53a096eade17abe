package kernelmirror

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

type fakeBridge struct {
	mu      sync.Mutex
	entries map[string]bool
}

func newFakeBridge() *fakeBridge { return &fakeBridge{entries: make(map[string]bool)} }

func (f *fakeBridge) Set(ip string, isAvailable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[ip] = isAvailable
	return nil
}

func (f *fakeBridge) get(ip string) (bool, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.entries[ip]
	return v, ok
}

func TestPublishAndRunAppliesUpdate(t *testing.T) {
	srv := miniredis.RunT(t)
	m, err := New(srv.Addr(), "", 0)
	require.NoError(t, err)
	defer m.Close()

	bridge := newFakeBridge()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go m.Run(ctx, bridge)
	time.Sleep(50 * time.Millisecond) // let the subscription establish

	require.NoError(t, m.Publish(ctx, "10.0.0.5", true))

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if v, ok := bridge.get("10.0.0.5"); ok && v {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("update was not applied to the bridge within timeout")
}

func TestNewFailsOnUnreachableAddr(t *testing.T) {
	_, err := New("127.0.0.1:1", "", 0)
	require.Error(t, err)
}
