package bridge

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livelab/crowdcue/internal/bus"
	"github.com/livelab/crowdcue/internal/consensus"
)

func TestParameterAddress(t *testing.T) {
	br := New(Config{Prefix: "/crowdcue"}, bus.New(0, nil), nil)
	assert.Equal(t, "/crowdcue/mood", br.ParameterAddress("mood"))
	assert.Equal(t, "/crowdcue/density", br.ParameterAddress("density"))
}

// SendSnapshot emits one OSC bundle carrying a float message per
// parameter, verified against a raw UDP listener.
func TestBridge_SendSnapshot(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()
	port := conn.LocalAddr().(*net.UDPAddr).Port

	b := bus.New(0, nil)
	defer b.Close()
	br := New(Config{
		Prefix:     "/crowdcue",
		RemoteHost: "127.0.0.1",
		RemotePort: port,
	}, b, nil)

	snap := consensus.Snapshot{
		Timestamp: time.Now().UnixMilli(),
		Results: []consensus.Result{
			{Parameter: "mood", Value: 0.62},
			{Parameter: "tempo", Value: 0.4},
		},
	}
	require.NoError(t, br.SendSnapshot(snap))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 2048)
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)

	packet := buf[:n]
	assert.True(t, bytes.HasPrefix(packet, []byte("#bundle")), "snapshot goes out as an OSC bundle")
	assert.True(t, bytes.Contains(packet, []byte("/crowdcue/mood")))
	assert.True(t, bytes.Contains(packet, []byte("/crowdcue/tempo")))
}

// Snapshot bus events feed straight into SendSnapshot; other payloads
// are ignored without error.
func TestBridge_OnEvent(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()
	port := conn.LocalAddr().(*net.UDPAddr).Port

	b := bus.New(0, nil)
	defer b.Close()
	br := New(Config{Prefix: "/crowdcue", RemoteHost: "127.0.0.1", RemotePort: port}, b, nil)

	require.NoError(t, br.onEvent(bus.Event{Kind: bus.KindParticipantJoin, Payload: "noise"}))

	snap := consensus.Snapshot{Results: []consensus.Result{{Parameter: "mood", Value: 0.5}}}
	require.NoError(t, br.onEvent(bus.Event{Kind: bus.KindConsensusSnapshot, Payload: snap}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 2048)
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(buf[:n], []byte("/crowdcue/mood")))
}
