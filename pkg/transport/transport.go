// Package transport defines the adapter-agnostic send/receive surface
// (component I) and the signed wire wrappers that every adapter speaks
// regardless of the underlying medium (§6.1).
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/montana2ab/myriadmesh/node/pkg/identity"
)

// AdapterType identifies a physical or overlay transport medium (§6.5).
type AdapterType byte

const (
	AdapterEthernet    AdapterType = 0x01
	AdapterBluetooth   AdapterType = 0x02
	AdapterBluetoothLE AdapterType = 0x03
	AdapterCellular    AdapterType = 0x04
	AdapterWiFiHaLoW   AdapterType = 0x05
	AdapterLoRaWAN     AdapterType = 0x06
	AdapterMeshtastic  AdapterType = 0x07
	AdapterFRSGMRS     AdapterType = 0x08
	AdapterCBRadio     AdapterType = 0x09
	AdapterShortwave   AdapterType = 0x0A
	AdapterAPRS        AdapterType = 0x0B
	AdapterDialup      AdapterType = 0x0C
	AdapterPPPoE       AdapterType = 0x0D
	AdapterI2P         AdapterType = 0x0E
	AdapterUnknown     AdapterType = 0xFF
)

// Name returns the human-readable adapter name.
func (a AdapterType) Name() string {
	switch a {
	case AdapterEthernet:
		return "Ethernet/IP"
	case AdapterBluetooth:
		return "Bluetooth Classic"
	case AdapterBluetoothLE:
		return "Bluetooth LE"
	case AdapterCellular:
		return "Cellular"
	case AdapterWiFiHaLoW:
		return "Wi-Fi HaLoW"
	case AdapterLoRaWAN:
		return "LoRaWAN"
	case AdapterMeshtastic:
		return "Meshtastic"
	case AdapterFRSGMRS:
		return "FRS/GMRS"
	case AdapterCBRadio:
		return "CB Radio"
	case AdapterShortwave:
		return "Shortwave"
	case AdapterAPRS:
		return "Amateur Radio (APRS)"
	case AdapterDialup:
		return "Dial-up"
	case AdapterPPPoE:
		return "PPPoE"
	case AdapterI2P:
		return "i2p"
	default:
		return "Unknown"
	}
}

// PowerClass is a coarse power-consumption bucket for a transport medium
// (§4.I get_capabilities), from a passive overlay relay up through an
// always-transmitting radio.
type PowerClass int

const (
	PowerNone PowerClass = iota
	PowerVeryLow
	PowerLow
	PowerMedium
	PowerHigh
	PowerVeryHigh
)

// AsFraction maps a PowerClass to the [0,1] power_consumption fraction
// component K's AdapterMetrics expects, grounded on
// original_source/myriadnode/src/failover.rs's match over the same six
// buckets.
func (p PowerClass) AsFraction() float64 {
	switch p {
	case PowerNone:
		return 0.0
	case PowerVeryLow:
		return 0.1
	case PowerLow:
		return 0.3
	case PowerMedium:
		return 0.5
	case PowerHigh:
		return 0.7
	default:
		return 0.9
	}
}

// Capabilities describes what an adapter can carry and roughly how well,
// used by component K's scoring and by admission checks against
// MAX_MESSAGE_SIZE for the medium (§4.I: type, max_message_size, typical
// latency/bandwidth, reliability estimate, power class, cost/MB,
// broadcast/multicast flags).
type Capabilities struct {
	AdapterType         AdapterType
	MaxMessageSize      int
	TypicalBandwidthBps int64
	TypicalLatencyMs    int64
	IsHalfDuplex        bool
	SupportsBroadcast   bool
	ReliabilityEstimate float64 // 0.0-1.0, static per-medium estimate
	Power               PowerClass
	CostPerMB           float64 // relative cost unit, 0 for free links
	PrivacyLevel        float64 // 0.0-1.0, see linkmetrics.EstimatePrivacyLevel
}

// Address is an adapter-specific peer address (IP:port, device MAC, call
// sign, SAM destination, ...), kept opaque to callers outside the adapter
// that produced it.
type Address struct {
	AdapterType AdapterType
	Value       string
}

// PeerInfo is what discover_peers returns: a reachable address plus the
// NodeId last observed at it, when known.
type PeerInfo struct {
	Address Address
	NodeId  *identity.NodeId
}

var (
	ErrNotStarted      = errors.New("transport: adapter not started")
	ErrAlreadyStarted  = errors.New("transport: adapter already started")
	ErrUnsupportedAddr = errors.New("transport: address not supported by this adapter")
)

// Transport is the adapter-agnostic interface every medium implements
// (§4.I): initialize/start/stop lifecycle, send/receive, peer discovery,
// capability and address introspection.
type Transport interface {
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	Send(ctx context.Context, to Address, frame []byte) error
	Receive(ctx context.Context) (Address, []byte, error)

	DiscoverPeers(ctx context.Context) ([]PeerInfo, error)

	GetCapabilities() Capabilities
	GetLocalAddress() (Address, error)
	ParseAddress(s string) (Address, error)
	SupportsAddress(addr Address) bool
	TestConnection(ctx context.Context, addr Address) (time.Duration, error)
}
