// Package kernelmap implements the kernel-map bridge (spec.md §4.B):
// the compact IP->available table the kernel packet filter consults on
// every packet, plus the background reconciler that repairs drift
// between it and the registry. The table itself lives in a pinned eBPF
// map (github.com/cilium/ebpf), the same library the pack's eBPF-shaped
// repos (k3s, the DataDog agent) use to talk to a program this repo
// does not own or compile (spec.md §1: the kernel filter is out of
// scope).
package kernelmap

import (
	"fmt"

	"github.com/cilium/ebpf"
)

const (
	available   byte = 1
	unavailable byte = 0
)

// Table is the keyed table the kernel filter reads (spec.md §6.3):
// upsert, delete, enumerate, keyed by 32-bit IPv4 integer.
type Table interface {
	Set(ipv4 uint32, isAvailable bool) error
	Delete(ipv4 uint32) error
	Enumerate() (map[uint32]bool, error)
	Close() error
}

// EBPFTable is a Table backed by a pinned eBPF hash map. The kernel
// filter (out of scope for this repository) pins the map at startup;
// this type only ever opens an existing pin, it never creates the map.
type EBPFTable struct {
	m *ebpf.Map
}

// OpenPinned opens the map pinned at path by the kernel filter.
func OpenPinned(path string) (*EBPFTable, error) {
	m, err := ebpf.LoadPinnedMap(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open pinned kernel map %s: %w", path, err)
	}
	return &EBPFTable{m: m}, nil
}

func boolToByte(b bool) byte {
	if b {
		return available
	}
	return unavailable
}

// Set upserts ipv4's availability. Idempotent.
func (t *EBPFTable) Set(ipv4 uint32, isAvailable bool) error {
	val := boolToByte(isAvailable)
	if err := t.m.Put(ipv4, val); err != nil {
		return fmt.Errorf("kernel map put %d: %w", ipv4, err)
	}
	return nil
}

// Delete removes ipv4 from the table.
func (t *EBPFTable) Delete(ipv4 uint32) error {
	if err := t.m.Delete(ipv4); err != nil {
		return fmt.Errorf("kernel map delete %d: %w", ipv4, err)
	}
	return nil
}

// Enumerate returns the table's full current contents.
func (t *EBPFTable) Enumerate() (map[uint32]bool, error) {
	out := make(map[uint32]bool)
	var key uint32
	var val byte
	iter := t.m.Iterate()
	for iter.Next(&key, &val) {
		out[key] = val == available
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kernel map iterate: %w", err)
	}
	return out, nil
}

// Close releases the map's file descriptor.
func (t *EBPFTable) Close() error {
	return t.m.Close()
}
