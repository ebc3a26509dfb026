package failover

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/montana2ab/myriadmesh/node/pkg/linkmetrics"
	"github.com/montana2ab/myriadmesh/node/pkg/registry"
	"github.com/montana2ab/myriadmesh/node/pkg/transport"
)

type scriptedAdapter struct {
	mu   sync.Mutex
	typ  transport.AdapterType
	caps transport.Capabilities
}

func (a *scriptedAdapter) setLatency(ms int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.caps.TypicalLatencyMs = ms
}

func (a *scriptedAdapter) Initialize(ctx context.Context) error { return nil }
func (a *scriptedAdapter) Start(ctx context.Context) error      { return nil }
func (a *scriptedAdapter) Stop(ctx context.Context) error       { return nil }
func (a *scriptedAdapter) Send(ctx context.Context, to transport.Address, frame []byte) error {
	return nil
}
func (a *scriptedAdapter) Receive(ctx context.Context) (transport.Address, []byte, error) {
	return transport.Address{}, nil, nil
}
func (a *scriptedAdapter) DiscoverPeers(ctx context.Context) ([]transport.PeerInfo, error) {
	return nil, nil
}
func (a *scriptedAdapter) GetCapabilities() transport.Capabilities {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.caps
}
func (a *scriptedAdapter) GetLocalAddress() (transport.Address, error) {
	return transport.Address{AdapterType: a.typ}, nil
}
func (a *scriptedAdapter) ParseAddress(s string) (transport.Address, error) {
	return transport.Address{AdapterType: a.typ, Value: s}, nil
}
func (a *scriptedAdapter) SupportsAddress(addr transport.Address) bool {
	return addr.AdapterType == a.typ
}
func (a *scriptedAdapter) TestConnection(ctx context.Context, addr transport.Address) (time.Duration, error) {
	return 0, nil
}

var _ transport.Transport = (*scriptedAdapter)(nil)

func TestAdapterHealthTracking(t *testing.T) {
	h := newAdapterHealth()
	if h.Status != Healthy {
		t.Fatalf("expected Healthy, got %v", h.Status)
	}

	h.RecordFailure()
	if h.Status != Degraded || h.ConsecutiveFailures != 1 {
		t.Fatalf("expected Degraded/1, got %v/%d", h.Status, h.ConsecutiveFailures)
	}

	h.RecordFailure()
	h.RecordFailure()
	if h.Status != Failed || h.ConsecutiveFailures != 3 {
		t.Fatalf("expected Failed/3, got %v/%d", h.Status, h.ConsecutiveFailures)
	}

	h.RecordSuccess(linkmetrics.AdapterMetrics{LatencyMs: 50, Reliability: 0.95})
	if h.Status != Healthy || h.ConsecutiveFailures != 0 {
		t.Fatalf("expected recovery to Healthy/0, got %v/%d", h.Status, h.ConsecutiveFailures)
	}
}

func TestLatencyDegradationDetection(t *testing.T) {
	h := newAdapterHealth()
	h.RecordSuccess(linkmetrics.AdapterMetrics{LatencyMs: 50})

	h.CurrentMetrics = &linkmetrics.AdapterMetrics{LatencyMs: 60}
	if h.IsLatencyDegraded(5.0) {
		t.Error("60ms against a 50ms baseline at 5x should not be degraded")
	}

	h.CurrentMetrics = &linkmetrics.AdapterMetrics{LatencyMs: 300}
	if !h.IsLatencyDegraded(5.0) {
		t.Error("300ms against a 50ms baseline at 5x should be degraded")
	}
}

// TestFailoverSwitchesOnSustainedLatencySpike mirrors §8 scenario 6: two
// adapters, A1 primary with a 10x latency spike sustained across three
// ticks, A2 healthy throughout; after the third tick the primary has
// switched to A2 and the event log records the switch.
func TestFailoverSwitchesOnSustainedLatencySpike(t *testing.T) {
	reg := registry.New()
	ctx := context.Background()

	a1 := &scriptedAdapter{typ: transport.AdapterEthernet, caps: transport.Capabilities{
		AdapterType: transport.AdapterEthernet, TypicalLatencyMs: 50, TypicalBandwidthBps: 10_000_000,
		ReliabilityEstimate: 0.95,
	}}
	a2 := &scriptedAdapter{typ: transport.AdapterCellular, caps: transport.Capabilities{
		AdapterType: transport.AdapterCellular, TypicalLatencyMs: 150, TypicalBandwidthBps: 10_000_000,
		ReliabilityEstimate: 0.85,
	}}
	if err := reg.Register(ctx, transport.AdapterEthernet, a1, "1.0.0", "a1"); err != nil {
		t.Fatalf("register a1: %v", err)
	}
	if err := reg.Register(ctx, transport.AdapterCellular, a2, "1.0.0", "a2"); err != nil {
		t.Fatalf("register a2: %v", err)
	}

	mgr := New(Config{AutoFailover: true, TickInterval: time.Hour, LatencyThresholdMultiplier: 5.0},
		reg, linkmetrics.DefaultScoringWeights())

	// Warm up baselines and establish A1 as primary.
	mgr.tick()
	mgr.tick()
	if p, ok := mgr.GetPrimaryAdapter(); !ok || p != transport.AdapterEthernet {
		t.Fatalf("expected A1 primary after warmup, got %v/%v", p, ok)
	}

	// Sustained 10x spike on A1.
	a1.setLatency(500)
	mgr.tick()
	mgr.tick()
	mgr.tick()

	p, ok := mgr.GetPrimaryAdapter()
	if !ok || p != transport.AdapterCellular {
		t.Fatalf("expected primary to switch to A2, got %v/%v", p, ok)
	}

	found := false
	for _, e := range mgr.RecentEvents(10) {
		if e.Kind == EventAdapterSwitch && e.To == transport.AdapterCellular.Name() {
			found = true
		}
	}
	if !found {
		t.Error("expected an AdapterSwitch event in the log")
	}
}

func TestForceFailover(t *testing.T) {
	reg := registry.New()
	ctx := context.Background()
	a := &scriptedAdapter{typ: transport.AdapterLoRaWAN, caps: transport.Capabilities{AdapterType: transport.AdapterLoRaWAN}}
	if err := reg.Register(ctx, transport.AdapterLoRaWAN, a, "1.0.0", "lora"); err != nil {
		t.Fatalf("register: %v", err)
	}

	mgr := New(DefaultConfig(), reg, linkmetrics.DefaultScoringWeights())
	if err := mgr.ForceFailover(transport.AdapterLoRaWAN); err != nil {
		t.Fatalf("ForceFailover: %v", err)
	}
	p, ok := mgr.GetPrimaryAdapter()
	if !ok || p != transport.AdapterLoRaWAN {
		t.Fatalf("expected forced primary, got %v/%v", p, ok)
	}

	if err := mgr.ForceFailover(transport.AdapterI2P); err == nil {
		t.Error("expected error forcing failover to an unregistered adapter")
	}
}

func TestStartStopShutsDownCleanly(t *testing.T) {
	reg := registry.New()
	mgr := New(Config{AutoFailover: true, TickInterval: 10 * time.Millisecond, LatencyThresholdMultiplier: 5.0},
		reg, linkmetrics.DefaultScoringWeights())

	ctx, cancel := context.WithCancel(context.Background())
	mgr.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	cancel()
	mgr.Wait()
}
