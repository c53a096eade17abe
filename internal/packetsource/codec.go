package packetsource

import (
	"encoding/binary"
	"fmt"

	"scaletozero/internal/model"
)

// recordSize is the wire size of one PacketEvent: a packed
// little-endian pair of a uint32 and an int32 (spec.md §6.2).
const recordSize = 8

// decode parses one wire record. buf must be exactly recordSize bytes.
func decode(buf []byte) (model.PacketEvent, error) {
	if len(buf) != recordSize {
		return model.PacketEvent{}, fmt.Errorf("packet event record: want %d bytes, got %d", recordSize, len(buf))
	}
	ip := binary.LittleEndian.Uint32(buf[0:4])
	kind := int32(binary.LittleEndian.Uint32(buf[4:8]))
	return model.PacketEvent{IPv4: ip, Kind: model.PacketEventKind(kind)}, nil
}

// encode serializes a PacketEvent to its wire form. Used only by tests
// and the in-process fake source.
func encode(e model.PacketEvent) []byte {
	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint32(buf[0:4], e.IPv4)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(int32(e.Kind)))
	return buf
}
