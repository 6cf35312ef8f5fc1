// Package bridge publishes consensus output to downstream control
// surfaces over OSC and answers liveness pings. Incoming OSC never
// feeds back into the parameter bus; re-enabling that path needs a
// damping analysis first.
package bridge

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hypebeast/go-osc/osc"
	"github.com/rs/zerolog/log"

	"github.com/livelab/crowdcue/internal/bus"
	"github.com/livelab/crowdcue/internal/consensus"
	"github.com/livelab/crowdcue/internal/metrics"
)

// Config holds the bridge endpoints.
type Config struct {
	Prefix     string // OSC address prefix, e.g. "/crowdcue"
	LocalPort  int    // listen port for incoming ping
	RemoteHost string
	RemotePort int
}

// Bridge forwards tick snapshots as OSC bundles and serves
// {prefix}/ping → {prefix}/pong.
type Bridge struct {
	cfg     Config
	client  *osc.Client
	bus     *bus.Bus
	metrics *metrics.Registry

	sub  *bus.Subscription
	conn net.PacketConn
}

// New creates a bridge. The metrics registry may be nil in tests.
func New(cfg Config, b *bus.Bus, reg *metrics.Registry) *Bridge {
	return &Bridge{
		cfg:     cfg,
		client:  osc.NewClient(cfg.RemoteHost, cfg.RemotePort),
		bus:     b,
		metrics: reg,
	}
}

// Run attaches the bridge to the bus and serves the ping responder
// until the context is cancelled.
func (br *Bridge) Run(ctx context.Context) error {
	br.sub = br.bus.Subscribe("osc-bridge", br.onEvent, bus.KindConsensusSnapshot)
	defer br.sub.Close()

	dispatcher := osc.NewStandardDispatcher()
	if err := dispatcher.AddMsgHandler(br.cfg.Prefix+"/ping", br.onPing); err != nil {
		return fmt.Errorf("failed to register ping handler: %w", err)
	}

	addr := fmt.Sprintf(":%d", br.cfg.LocalPort)
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for OSC on %s: %w", addr, err)
	}
	br.conn = conn

	server := &osc.Server{Addr: addr, Dispatcher: dispatcher}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(conn)
	}()

	log.Info().Str("prefix", br.cfg.Prefix).
		Str("remote", fmt.Sprintf("%s:%d", br.cfg.RemoteHost, br.cfg.RemotePort)).
		Int("local_port", br.cfg.LocalPort).
		Msg("OSC bridge running")

	select {
	case <-ctx.Done():
		conn.Close()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// onEvent turns a consensus snapshot into one OSC bundle at the tick's
// time-tag, one {prefix}/{parameter} float message per parameter.
func (br *Bridge) onEvent(ev bus.Event) error {
	snap, ok := ev.Payload.(consensus.Snapshot)
	if !ok {
		return nil
	}
	return br.SendSnapshot(snap)
}

// SendSnapshot publishes one snapshot downstream.
func (br *Bridge) SendSnapshot(snap consensus.Snapshot) error {
	bundle := osc.NewBundle(time.UnixMilli(snap.Timestamp))
	for _, res := range snap.Results {
		msg := osc.NewMessage(br.ParameterAddress(res.Parameter))
		msg.Append(float32(res.Value))
		bundle.Append(msg)
	}

	if err := br.client.Send(bundle); err != nil {
		if br.metrics != nil {
			br.metrics.OSCSendErrors.Inc()
		}
		return fmt.Errorf("OSC bundle send failed: %w", err)
	}
	if br.metrics != nil {
		br.metrics.OSCMessagesSent.Inc()
	}
	return nil
}

// ParameterAddress is the OSC address a parameter publishes on.
func (br *Bridge) ParameterAddress(parameter string) string {
	return br.cfg.Prefix + "/" + parameter
}

// onPing answers {prefix}/ping with {prefix}/pong carrying the server
// timestamp in ms.
func (br *Bridge) onPing(*osc.Message) {
	pong := osc.NewMessage(br.cfg.Prefix + "/pong")
	pong.Append(time.Now().UnixMilli())
	if err := br.client.Send(pong); err != nil {
		if br.metrics != nil {
			br.metrics.OSCSendErrors.Inc()
		}
		log.Warn().Err(err).Msg("OSC pong send failed")
		return
	}
	if br.metrics != nil {
		br.metrics.OSCMessagesSent.Inc()
	}
}
