package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// HTTPAdapter is the Ethernet/IP transport: frames are POSTed to peer
// addresses over HTTPS, grounded in the teacher's mux-based HTTP server in
// cmd/meshnode (§6.1 Ethernet/IP carries the signed wire wrapper as a raw
// POST body).
type HTTPAdapter struct {
	mu        sync.Mutex
	localAddr Address
	client    *http.Client
	server    *http.Server
	incoming  chan incomingFrame
	started   bool
}

type incomingFrame struct {
	from  Address
	frame []byte
}

// inboundQueueSlots bounds the inbound frame channel for high-throughput
// transports (§5); low-throughput radio drivers use a tenth of this.
const inboundQueueSlots = 10000

// NewHTTPAdapter creates an adapter bound to listenAddr (e.g. "0.0.0.0:8443")
// and advertising advertiseAddr (e.g. "https://node.example:8443") to peers.
func NewHTTPAdapter(listenAddr, advertiseAddr string, tlsConfig *tls.Config) *HTTPAdapter {
	return &HTTPAdapter{
		localAddr: Address{AdapterType: AdapterEthernet, Value: advertiseAddr},
		client: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig,
			},
		},
		incoming: make(chan incomingFrame, inboundQueueSlots),
		server: &http.Server{
			Addr:         listenAddr,
			TLSConfig:    tlsConfig,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

func (a *HTTPAdapter) Initialize(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/frame", a.handleFrame)
	a.server.Handler = mux
	return nil
}

func (a *HTTPAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	a.started = true
	a.mu.Unlock()

	go func() {
		var err error
		if a.server.TLSConfig != nil {
			err = a.server.ListenAndServeTLS("", "")
		} else {
			err = a.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			// Surfaced to Receive callers via a closed channel would be
			// misleading; the caller's next Send/TestConnection will fail
			// instead and this goroutine simply exits.
			_ = err
		}
	}()
	return nil
}

func (a *HTTPAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.started = false
	a.mu.Unlock()
	return a.server.Shutdown(ctx)
}

func (a *HTTPAdapter) handleFrame(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 2<<20))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	from := Address{AdapterType: AdapterEthernet, Value: r.RemoteAddr}
	select {
	case a.incoming <- incomingFrame{from: from, frame: body}:
		w.WriteHeader(http.StatusAccepted)
	default:
		http.Error(w, "backpressure", http.StatusServiceUnavailable)
	}
}

func (a *HTTPAdapter) Send(ctx context.Context, to Address, frame []byte) error {
	if !a.SupportsAddress(to) {
		return ErrUnsupportedAddr
	}
	url := strings.TrimSuffix(to.Value, "/") + "/frame"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(frame))
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("transport: http send to %s failed: %s", to.Value, resp.Status)
	}
	return nil
}

func (a *HTTPAdapter) Receive(ctx context.Context) (Address, []byte, error) {
	select {
	case f := <-a.incoming:
		return f.from, f.frame, nil
	case <-ctx.Done():
		return Address{}, nil, ctx.Err()
	}
}

// DiscoverPeers is a no-op for the HTTP adapter: peer discovery over
// Ethernet/IP happens through the bootstrap directory, not link-local
// broadcast.
func (a *HTTPAdapter) DiscoverPeers(ctx context.Context) ([]PeerInfo, error) {
	return nil, nil
}

func (a *HTTPAdapter) GetCapabilities() Capabilities {
	return Capabilities{
		AdapterType:         AdapterEthernet,
		MaxMessageSize:      1 << 20,
		TypicalBandwidthBps: 100_000_000,
		TypicalLatencyMs:    20,
		IsHalfDuplex:        false,
		SupportsBroadcast:   false,
		ReliabilityEstimate: 0.98,
		Power:               PowerLow,
		CostPerMB:           0,
		PrivacyLevel:        0.15,
	}
}

func (a *HTTPAdapter) GetLocalAddress() (Address, error) { return a.localAddr, nil }

func (a *HTTPAdapter) ParseAddress(s string) (Address, error) {
	if _, err := url.ParseRequestURI(s); err != nil {
		return Address{}, fmt.Errorf("transport: invalid http address %q: %w", s, err)
	}
	return Address{AdapterType: AdapterEthernet, Value: s}, nil
}

func (a *HTTPAdapter) SupportsAddress(addr Address) bool {
	return addr.AdapterType == AdapterEthernet
}

func (a *HTTPAdapter) TestConnection(ctx context.Context, addr Address) (time.Duration, error) {
	if !a.SupportsAddress(addr) {
		return 0, ErrUnsupportedAddr
	}
	start := time.Now()
	d := net.Dialer{Timeout: 5 * time.Second}
	u, err := url.Parse(addr.Value)
	if err != nil {
		return 0, err
	}
	conn, err := d.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return 0, err
	}
	conn.Close()
	return time.Since(start), nil
}

var _ Transport = (*HTTPAdapter)(nil)
