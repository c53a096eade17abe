package packetsource

import (
	"bytes"
	"context"
	"testing"
	"time"

	"scaletozero/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := model.PacketEvent{IPv4: 0x0A00000A, Kind: model.PacketScaleUp}
	got, err := decode(encode(e))
	require.NoError(t, err)
	assert.Equal(t, e, got)
}

func TestDecodeRejectsShortRecord(t *testing.T) {
	_, err := decode([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestReaderSourcePreservesPerProducerOrder(t *testing.T) {
	var buf bytes.Buffer
	events := []model.PacketEvent{
		{IPv4: 1, Kind: model.PacketTraffic},
		{IPv4: 1, Kind: model.PacketScaleUp},
		{IPv4: 2, Kind: model.PacketTraffic},
	}
	for _, e := range events {
		buf.Write(encode(e))
	}

	src := NewReaderSource(&buf)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []model.PacketEvent
	for e := range src.Events(ctx) {
		got = append(got, e)
	}

	assert.Equal(t, events, got)
}

func TestReaderSourceFansInMultipleProducers(t *testing.T) {
	var a, b bytes.Buffer
	a.Write(encode(model.PacketEvent{IPv4: 1, Kind: model.PacketTraffic}))
	b.Write(encode(model.PacketEvent{IPv4: 2, Kind: model.PacketTraffic}))

	src := NewReaderSource(&a, &b)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []model.PacketEvent
	for e := range src.Events(ctx) {
		got = append(got, e)
	}

	assert.Len(t, got, 2)
}
