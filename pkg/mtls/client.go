package mtls

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Client is a mutually-authenticated HTTP client for node-to-node calls
// against the management surface routes.
type Client struct {
	httpClient *http.Client
	config     *Config
}

// Config holds mTLS configuration.
type Config struct {
	CAFile   string // path to the CA certificate
	CertFile string // path to the client certificate
	KeyFile  string // path to the client private key
	Timeout  time.Duration
}

// NewClient creates an mTLS client for inter-node communication.
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	caCert, err := os.ReadFile(config.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append CA certificate")
	}

	cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	tlsConfig := &tls.Config{
		RootCAs:      caCertPool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		CipherSuites: []uint16{
			tls.TLS_CHACHA20_POLY1305_SHA256,
			tls.TLS_AES_256_GCM_SHA384,
			tls.TLS_AES_128_GCM_SHA256,
		},
	}

	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig:     tlsConfig,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{httpClient: httpClient, config: config}, nil
}

// ForwardPacket hands an onion layer to the next hop's packet endpoint.
func (c *Client) ForwardPacket(nodeAddress string, packet []byte) error {
	url := fmt.Sprintf("https://%s/v1/onion", nodeAddress)

	resp, err := c.httpClient.Post(url, "application/octet-stream", bytes.NewReader(packet))
	if err != nil {
		return fmt.Errorf("failed to forward packet: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("forwarding failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// PushMessage stores a wire-form message in a peer's outbox for its
// destination to pick up.
func (c *Client) PushMessage(nodeAddress string, wire []byte) error {
	url := fmt.Sprintf("https://%s/v1/swarm/messages", nodeAddress)

	resp, err := c.httpClient.Post(url, "application/octet-stream", bytes.NewReader(wire))
	if err != nil {
		return fmt.Errorf("failed to push message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("push failed with status %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// HealthCheck probes a peer's liveness endpoint.
func (c *Client) HealthCheck(nodeAddress string) error {
	url := fmt.Sprintf("https://%s/health", nodeAddress)

	resp, err := c.httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("node unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
