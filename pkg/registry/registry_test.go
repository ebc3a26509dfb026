package registry

import (
	"context"
	"testing"
	"time"

	"github.com/montana2ab/myriadmesh/node/pkg/transport"
)

type fakeAdapter struct {
	adapterType transport.AdapterType
	started     bool
	stopped     bool
}

func (f *fakeAdapter) Initialize(ctx context.Context) error { return nil }
func (f *fakeAdapter) Start(ctx context.Context) error      { f.started = true; return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error        { f.stopped = true; return nil }
func (f *fakeAdapter) Send(ctx context.Context, to transport.Address, frame []byte) error {
	return nil
}
func (f *fakeAdapter) Receive(ctx context.Context) (transport.Address, []byte, error) {
	return transport.Address{}, nil, nil
}
func (f *fakeAdapter) DiscoverPeers(ctx context.Context) ([]transport.PeerInfo, error) {
	return nil, nil
}
func (f *fakeAdapter) GetCapabilities() transport.Capabilities {
	return transport.Capabilities{AdapterType: f.adapterType}
}
func (f *fakeAdapter) GetLocalAddress() (transport.Address, error) {
	return transport.Address{AdapterType: f.adapterType}, nil
}
func (f *fakeAdapter) ParseAddress(s string) (transport.Address, error) {
	return transport.Address{AdapterType: f.adapterType, Value: s}, nil
}
func (f *fakeAdapter) SupportsAddress(addr transport.Address) bool {
	return addr.AdapterType == f.adapterType
}
func (f *fakeAdapter) TestConnection(ctx context.Context, addr transport.Address) (time.Duration, error) {
	return 0, nil
}

var _ transport.Transport = (*fakeAdapter)(nil)

func TestRegisterAndGet(t *testing.T) {
	r := New()
	a := &fakeAdapter{adapterType: transport.AdapterLoRaWAN}
	if err := r.Register(context.Background(), transport.AdapterLoRaWAN, a, "1.0.0", "lora"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := r.Register(context.Background(), transport.AdapterLoRaWAN, a, "1.0.0", "lora"); err != ErrAlreadyRegistered {
		t.Errorf("expected ErrAlreadyRegistered, got %v", err)
	}

	got, ok := r.Get(transport.AdapterLoRaWAN)
	if !ok || got != a {
		t.Errorf("expected Get to return the registered adapter")
	}
	if !a.started {
		t.Errorf("expected Register to start the adapter")
	}
}

func TestHotReloadSwapsAdapter(t *testing.T) {
	r := New()
	old := &fakeAdapter{adapterType: transport.AdapterCellular}
	r.Register(context.Background(), transport.AdapterCellular, old, "1.0.0", "cell")

	newAdapter := &fakeAdapter{adapterType: transport.AdapterCellular}
	if err := r.HotReload(context.Background(), transport.AdapterCellular, newAdapter, "2.0.0", "cell"); err != nil {
		t.Fatalf("HotReload failed: %v", err)
	}

	if !old.stopped {
		t.Errorf("expected old adapter to be stopped")
	}
	if !newAdapter.started {
		t.Errorf("expected new adapter to be started")
	}

	got, _ := r.Get(transport.AdapterCellular)
	if got != newAdapter {
		t.Errorf("expected registry to hold the new adapter after reload")
	}

	meta, ok := r.GetMetadata(transport.AdapterCellular)
	if !ok {
		t.Fatalf("expected metadata to exist")
	}
	if meta.Status != StatusActive {
		t.Errorf("expected StatusActive after reload, got %v", meta.Status)
	}
	if meta.ReloadCount != 1 {
		t.Errorf("expected ReloadCount=1, got %d", meta.ReloadCount)
	}
	if meta.Version != "2.0.0" {
		t.Errorf("expected Version updated to 2.0.0, got %s", meta.Version)
	}
}

func TestParseVersion(t *testing.T) {
	v, ok := ParseVersion("1.2.3")
	if !ok || v != (SemanticVersion{Major: 1, Minor: 2, Patch: 3}) {
		t.Fatalf("ParseVersion(1.2.3) = %v, %v", v, ok)
	}
	for _, bad := range []string{"", "1.2", "1.2.3.4", "a.b.c", "1.-2.3"} {
		if _, ok := ParseVersion(bad); ok {
			t.Errorf("ParseVersion(%q) unexpectedly succeeded", bad)
		}
	}
	if !(SemanticVersion{1, 9, 9}).Less(SemanticVersion{2, 0, 0}) {
		t.Error("expected 1.9.9 < 2.0.0")
	}
	if (SemanticVersion{2, 0, 0}).Less(SemanticVersion{2, 0, 0}) {
		t.Error("expected 2.0.0 not less than itself")
	}
}

func TestHotReloadRefusesDowngradeAndBadVersion(t *testing.T) {
	r := New()
	old := &fakeAdapter{adapterType: transport.AdapterMeshtastic}
	r.Register(context.Background(), transport.AdapterMeshtastic, old, "2.0.0", "mesht")

	newAdapter := &fakeAdapter{adapterType: transport.AdapterMeshtastic}
	if err := r.HotReload(context.Background(), transport.AdapterMeshtastic, newAdapter, "1.9.9", "mesht"); err != ErrVersionDowngrade {
		t.Errorf("expected ErrVersionDowngrade, got %v", err)
	}
	if err := r.HotReload(context.Background(), transport.AdapterMeshtastic, newAdapter, "not-a-version", "mesht"); err != ErrInvalidVersion {
		t.Errorf("expected ErrInvalidVersion, got %v", err)
	}

	got, _ := r.Get(transport.AdapterMeshtastic)
	if got != old {
		t.Errorf("expected refused reloads to leave the old adapter installed")
	}
	meta, _ := r.GetMetadata(transport.AdapterMeshtastic)
	if meta.Status != StatusActive || meta.Version != "2.0.0" {
		t.Errorf("expected metadata untouched after refusal, got %s/%v", meta.Version, meta.Status)
	}
}

func TestRollbackRestoresPreviousAdapter(t *testing.T) {
	r := New()
	old := &fakeAdapter{adapterType: transport.AdapterShortwave}
	r.Register(context.Background(), transport.AdapterShortwave, old, "1.0.0", "sw")

	newAdapter := &fakeAdapter{adapterType: transport.AdapterShortwave}
	if err := r.HotReload(context.Background(), transport.AdapterShortwave, newAdapter, "2.0.0", "sw"); err != nil {
		t.Fatalf("HotReload failed: %v", err)
	}

	if err := r.Rollback(context.Background(), transport.AdapterShortwave); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	got, _ := r.Get(transport.AdapterShortwave)
	if got != old {
		t.Errorf("expected registry to hold the previous adapter after rollback")
	}
	meta, _ := r.GetMetadata(transport.AdapterShortwave)
	if meta.Version != "1.0.0" {
		t.Errorf("expected Version restored to 1.0.0, got %s", meta.Version)
	}
	if !newAdapter.stopped {
		t.Errorf("expected the reloaded adapter to be stopped by rollback")
	}
}

func TestConnectionCountersNeverGoNegative(t *testing.T) {
	r := New()
	a := &fakeAdapter{adapterType: transport.AdapterBluetoothLE}
	r.Register(context.Background(), transport.AdapterBluetoothLE, a, "1.0.0", "ble")

	r.DecrementConnections(transport.AdapterBluetoothLE)
	meta, _ := r.GetMetadata(transport.AdapterBluetoothLE)
	if meta.ActiveConnections != 0 {
		t.Errorf("expected ActiveConnections to stay at 0, got %d", meta.ActiveConnections)
	}

	r.IncrementConnections(transport.AdapterBluetoothLE)
	r.IncrementConnections(transport.AdapterBluetoothLE)
	r.DecrementConnections(transport.AdapterBluetoothLE)
	meta, _ = r.GetMetadata(transport.AdapterBluetoothLE)
	if meta.ActiveConnections != 1 {
		t.Errorf("expected ActiveConnections=1, got %d", meta.ActiveConnections)
	}
}

func TestUnregisterUnknownFails(t *testing.T) {
	r := New()
	if err := r.Unregister(context.Background(), transport.AdapterAPRS); err != ErrNotRegistered {
		t.Errorf("expected ErrNotRegistered, got %v", err)
	}
}
