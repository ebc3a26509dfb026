package main

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/montana2ab/myriadmesh/node/pkg/blobstore"
	"github.com/montana2ab/myriadmesh/node/pkg/dht"
	"github.com/montana2ab/myriadmesh/node/pkg/directory"
	"github.com/montana2ab/myriadmesh/node/pkg/dualidentity"
	"github.com/montana2ab/myriadmesh/node/pkg/failover"
	"github.com/montana2ab/myriadmesh/node/pkg/identity"
	"github.com/montana2ab/myriadmesh/node/pkg/linkmetrics"
	"github.com/montana2ab/myriadmesh/node/pkg/meshmsg"
	"github.com/montana2ab/myriadmesh/node/pkg/middleware"
	"github.com/montana2ab/myriadmesh/node/pkg/mtls"
	"github.com/montana2ab/myriadmesh/node/pkg/onion"
	"github.com/montana2ab/myriadmesh/node/pkg/registry"
	"github.com/montana2ab/myriadmesh/node/pkg/router"
	"github.com/montana2ab/myriadmesh/node/pkg/swarmstore"
	"github.com/montana2ab/myriadmesh/node/pkg/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
)

// Server wires every component into one running node: identity, onion
// routing, admission, transport adapters, link scoring and failover, the
// persisted outbox, and the bootstrap directory.
type Server struct {
	config *Config
	self   *identity.Identity
	dual   *dualidentity.DualIdentity

	storage     blobstore.Storage
	onionRouter  *onion.Router
	msgRouter    *router.Router
	dhtStorage   *dht.Storage
	routingTable *dht.RoutingTable
	registry    *registry.Registry
	failoverMgr *failover.Manager
	swarmStore  *swarmstore.Store
	directory   *directory.Service

	rateLimiter *middleware.RateLimiter
	httpServer  *http.Server

	startedAt time.Time
	cancel    context.CancelFunc
}

func main() {
	configFile := flag.String("config", "config.yaml", "Configuration file path")
	version := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *version {
		fmt.Printf("meshnode %s (built %s)\n", Version, BuildTime)
		return
	}

	config, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	server, err := newServer(config)
	if err != nil {
		log.Fatalf("Failed to initialize node: %v", err)
	}

	if err := server.Start(); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}

	server.WaitForShutdown()
}

func newServer(config *Config) (*Server, error) {
	storage, err := openStorage(config)
	if err != nil {
		return nil, fmt.Errorf("opening persistence boundary: %w", err)
	}

	priv, err := blobstore.LoadOrCreateIdentityKey(storage, blobstore.KeyClearnetIdentity)
	if err != nil {
		return nil, fmt.Errorf("loading identity: %w", err)
	}
	self := identity.IdentityFromPrivateKey(priv)

	overlayPriv, err := blobstore.LoadOrCreateIdentityKey(storage, blobstore.KeyOverlayIdentity)
	if err != nil {
		return nil, fmt.Errorf("loading overlay identity: %w", err)
	}
	overlay := identity.IdentityFromPrivateKey(overlayPriv)

	destination, err := loadOrCreateOverlayDestination(storage, overlay)
	if err != nil {
		return nil, fmt.Errorf("loading overlay destination: %w", err)
	}
	dual := dualidentity.FromIdentities(self, overlay, destination)
	if !dual.VerifySeparateIdentities() {
		return nil, fmt.Errorf("clearnet and overlay identities must differ")
	}

	kx, err := identity.GenerateKX()
	if err != nil {
		return nil, fmt.Errorf("generating onion routing key: %w", err)
	}
	var kxPriv [32]byte
	copy(kxPriv[:], kx.PrivateBytes())

	reg := registry.New()
	weights := scoringWeightsFor(config.ScoringProfile)
	failoverMgr := failover.New(config.failoverConfig(), reg, weights)

	s := &Server{
		config:      config,
		self:        self,
		dual:        dual,
		storage:     storage,
		onionRouter:  onion.NewRouter(kxPriv),
		msgRouter:    router.New(self.NodeId, config.routerConfig()),
		dhtStorage:   dht.NewStorage(),
		routingTable: dht.NewRoutingTable(self.NodeId),
		registry:    reg,
		failoverMgr: failoverMgr,
		swarmStore:  swarmstore.New(storage, self, nil, config.BootstrapNodes, config.Swarm.ReplicationFactor, config.swarmTTL()),
		directory:   directory.NewService(self),
		rateLimiter: middleware.NewRateLimiter(config.AdminRateLimit.RequestsPerSecond, config.AdminRateLimit.Burst),
	}
	return s, nil
}

// loadOrCreateOverlayDestination resolves the node's overlay destination
// from the persistence boundary, deriving a b32-style placeholder from the
// overlay NodeId on first run. A real destination is installed by the
// overlay driver once its tunnels are up.
func loadOrCreateOverlayDestination(storage blobstore.Storage, overlay *identity.Identity) (string, error) {
	data, err := storage.Retrieve(blobstore.KeyOverlayDestinations)
	if err == nil {
		return string(data), nil
	}
	if err != blobstore.ErrNotFound {
		return "", err
	}
	dest := hex.EncodeToString(overlay.NodeId.Bytes()[:26]) + ".b32.i2p"
	if err := storage.Store(blobstore.KeyOverlayDestinations, []byte(dest)); err != nil {
		return "", err
	}
	return dest, nil
}

func openStorage(config *Config) (blobstore.Storage, error) {
	if config.StorageDir == "" {
		return blobstore.NewMemoryStorage(), nil
	}
	return blobstore.NewRocksDBStorage(config.StorageDir)
}

func scoringWeightsFor(profile string) linkmetrics.ScoringWeights {
	switch profile {
	case "battery_optimized":
		return linkmetrics.BatteryOptimizedWeights()
	case "performance_optimized":
		return linkmetrics.PerformanceOptimizedWeights()
	case "reliability_optimized":
		return linkmetrics.ReliabilityOptimizedWeights()
	default:
		return linkmetrics.DefaultScoringWeights()
	}
}

func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	tlsConfig := s.buildTLSConfig()
	if s.config.TLS.CertFile == "" || s.config.TLS.KeyFile == "" {
		cert, err := mtls.SelfSigned("meshnode", []string{"127.0.0.1", "localhost"})
		if err != nil {
			cancel()
			return fmt.Errorf("generating self-signed certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
		log.Println("No TLS certificate configured; generated a self-signed one")
	}

	httpAdapter := transport.NewHTTPAdapter(s.config.FrameListenAddress, s.config.AdvertiseAddress, tlsConfig)
	if err := s.registry.Register(ctx, transport.AdapterEthernet, httpAdapter, Version, "http_adapter"); err != nil {
		cancel()
		return fmt.Errorf("registering Ethernet/IP adapter: %w", err)
	}

	s.swarmStore = swarmstore.New(s.storage, s.self, &registryReplicator{registry: s.registry}, s.config.BootstrapNodes, s.config.Swarm.ReplicationFactor, s.config.swarmTTL())

	s.failoverMgr.Start(ctx)

	r := s.buildRouter()
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddress,
		Handler:      r,
		TLSConfig:    tlsConfig,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.startedAt = time.Now()
	log.Printf("Starting meshnode %s on %s", Version, s.config.ListenAddress)

	go func() {
		var err error
		if s.config.TLS.CertFile != "" && s.config.TLS.KeyFile != "" {
			err = s.httpServer.ListenAndServeTLS(s.config.TLS.CertFile, s.config.TLS.KeyFile)
		} else {
			err = s.httpServer.ListenAndServeTLS("", "")
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("admin server error: %v", err)
		}
	}()

	go s.cleanupLoop(ctx)
	go s.localDeliveryLoop(ctx)

	return nil
}

func (s *Server) buildTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS13,
		CipherSuites: []uint16{
			tls.TLS_CHACHA20_POLY1305_SHA256,
			tls.TLS_AES_256_GCM_SHA384,
			tls.TLS_AES_128_GCM_SHA256,
		},
	}
}

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.rateLimiter.Middleware)

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/onion", s.handleOnionPacket).Methods("POST")

	api.HandleFunc("/node/info", s.handleNodeInfo).Methods("GET")
	api.HandleFunc("/node/status", s.handleNodeStatus).Methods("GET")

	api.HandleFunc("/adapters", s.handleListAdapters).Methods("GET")
	api.HandleFunc("/adapters/{id}", s.handleGetAdapter).Methods("GET")
	api.HandleFunc("/adapters/{id}/start", s.handleAdapterStart).Methods("POST")
	api.HandleFunc("/adapters/{id}/stop", s.handleAdapterStop).Methods("POST")

	api.HandleFunc("/heartbeat/stats", s.handleHeartbeatStats).Methods("GET")
	api.HandleFunc("/heartbeat/nodes", s.handleHeartbeatNodes).Methods("GET")

	api.HandleFunc("/failover/events", s.handleFailoverEvents).Methods("GET")
	api.HandleFunc("/failover/force", s.handleForceFailover).Methods("POST")

	api.HandleFunc("/config/network", s.handleGetNetworkConfig).Methods("GET")
	api.HandleFunc("/config/network", s.handleSetNetworkConfig).Methods("POST")

	api.HandleFunc("/i2p/status", s.handleI2PStatus).Methods("GET")
	api.HandleFunc("/i2p/destination", s.handleI2PDestination).Methods("GET")
	api.HandleFunc("/i2p/tunnels", s.handleI2PTunnels).Methods("GET")

	api.HandleFunc("/swarm/messages", s.handleStoreMessage).Methods("POST")
	api.HandleFunc("/swarm/messages/{nodeId}", s.handleRetrieveMessages).Methods("GET")
	api.HandleFunc("/swarm/messages/{nodeId}/{messageId}", s.handleDeleteMessage).Methods("DELETE")

	api.HandleFunc("/nodes/bootstrap", s.handleGetBootstrap).Methods("GET")
	api.HandleFunc("/nodes/swarm/{sessionId}", s.handleGetSwarmNodes).Methods("GET")
	api.HandleFunc("/nodes/register", s.handleRegisterNode).Methods("POST")

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/metrics", promhttp.Handler().ServeHTTP).Methods("GET")

	return r
}

func (s *Server) WaitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")
	s.cancel()
	s.failoverMgr.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Error shutting down admin server: %v", err)
	}
	if adapter, ok := s.registry.Get(transport.AdapterEthernet); ok {
		if err := adapter.Stop(shutdownCtx); err != nil {
			log.Printf("Error stopping Ethernet/IP adapter: %v", err)
		}
	}
}

// Handlers

func (s *Server) handleOnionPacket(w http.ResponseWriter, r *http.Request) {
	packet, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read packet", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	decision, err := s.onionRouter.Process(packet)
	if err != nil {
		http.Error(w, "invalid packet", http.StatusBadRequest)
		return
	}

	if decision.Forward {
		if err := s.forwardLayer(r.Context(), decision); err != nil {
			log.Printf("forward error: %v", err)
			http.Error(w, "forward failed", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	msg, err := meshmsg.Unmarshal(decision.Payload)
	if err != nil {
		http.Error(w, "invalid terminal payload", http.StatusBadRequest)
		return
	}
	if reason := s.msgRouter.Admit(msg); reason != router.RejectNone {
		http.Error(w, "message rejected at admission", http.StatusTooManyRequests)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// localDeliveryLoop drains messages the router admitted for this node and
// hands them to the outbox for pickup.
func (s *Server) localDeliveryLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.msgRouter.LocalDelivery():
			if !ok {
				return
			}
			if err := s.swarmStore.StoreMessage(ctx, msg); err != nil {
				log.Printf("failed to store locally delivered message: %v", err)
			}
		}
	}
}

func (s *Server) forwardLayer(ctx context.Context, decision *onion.Decision) error {
	node, err := s.directory.GetNode(decision.NextHop)
	if err != nil {
		return fmt.Errorf("next hop %s not known: %w", decision.NextHop.String(), err)
	}
	adapter, ok := s.registry.Get(transport.AdapterEthernet)
	if !ok {
		return registry.ErrNotRegistered
	}
	for _, a := range node.Adapters {
		if transport.AdapterType(a.AdapterType) == transport.AdapterEthernet {
			addr, err := adapter.ParseAddress(a.Address)
			if err != nil {
				return err
			}
			return adapter.Send(ctx, addr, decision.Next)
		}
	}
	return fmt.Errorf("next hop %s has no known Ethernet/IP address", decision.NextHop.String())
}

func (s *Server) handleStoreMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	msg, err := meshmsg.Unmarshal(body)
	if err != nil {
		http.Error(w, "invalid message", http.StatusBadRequest)
		return
	}

	if err := s.swarmStore.StoreMessage(r.Context(), msg); err != nil {
		http.Error(w, "failed to store message", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleRetrieveMessages(w http.ResponseWriter, r *http.Request) {
	nodeID, err := parseNodeID(mux.Vars(r)["nodeId"])
	if err != nil {
		http.Error(w, "invalid node id", http.StatusBadRequest)
		return
	}

	messages, err := s.swarmStore.RetrieveMessages(nodeID)
	if err != nil {
		http.Error(w, "failed to retrieve messages", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	for _, msg := range messages {
		wire, err := msg.Marshal()
		if err != nil {
			continue
		}
		var length [4]byte
		putUint32(length[:], uint32(len(wire)))
		w.Write(length[:])
		w.Write(wire)
	}
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	nodeID, err := parseNodeID(vars["nodeId"])
	if err != nil {
		http.Error(w, "invalid node id", http.StatusBadRequest)
		return
	}
	msgID, err := parseMessageID(vars["messageId"])
	if err != nil {
		http.Error(w, "invalid message id", http.StatusBadRequest)
		return
	}

	if err := s.swarmStore.DeleteMessage(nodeID, msgID); err != nil {
		http.Error(w, "failed to delete message", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetBootstrap(w http.ResponseWriter, r *http.Request) {
	bootstrap, err := s.directory.GetBootstrapSet()
	if err != nil {
		http.Error(w, "failed to get bootstrap set", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, bootstrap)
}

func (s *Server) handleGetSwarmNodes(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]
	nodes, err := s.directory.GetSwarmNodes(sessionID, s.config.Swarm.ReplicationFactor)
	if err != nil {
		http.Error(w, "failed to get swarm nodes", http.StatusInternalServerError)
		return
	}
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.String()
	}
	writeJSON(w, map[string]interface{}{"session_id": sessionID, "nodes": ids})
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeID         string `json:"node_id"`
		PoWNonce       uint64 `json:"pow_nonce"`
		AdvertiseAddr  string `json:"advertise_address"`
		SupportsOnion  bool   `json:"supports_onion"`
		SupportsI2P    bool   `json:"supports_i2p"`
		MaxMessageSize uint32 `json:"max_message_size"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	nodeID, err := parseNodeID(req.NodeID)
	if err != nil {
		http.Error(w, "invalid node id", http.StatusBadRequest)
		return
	}
	if !dht.VerifyPoW(nodeID, req.PoWNonce) {
		http.Error(w, "proof of work verification failed", http.StatusForbidden)
		return
	}

	info := dht.NewNodeInfo(nodeID, req.PoWNonce, time.Now())
	info.Capabilities = dht.Capabilities{
		SupportsOnion:  req.SupportsOnion,
		SupportsI2P:    req.SupportsI2P,
		MaxMessageSize: req.MaxMessageSize,
	}
	if req.AdvertiseAddr != "" {
		info.Adapters = []dht.AdapterAddress{{AdapterType: uint8(transport.AdapterEthernet), Address: req.AdvertiseAddr}}
	}

	if err := s.directory.RegisterNode(info); err != nil {
		http.Error(w, "failed to register node", http.StatusInternalServerError)
		return
	}
	s.routingTable.AddOrUpdate(info, time.Now())
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleNodeInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"node_id":    s.self.NodeId.String(),
		"version":    Version,
		"build_time": BuildTime,
	})
}

func (s *Server) handleNodeStatus(w http.ResponseWriter, r *http.Request) {
	routerStats := s.msgRouter.GetStats()
	onionStats := s.onionRouter.GetStats()
	outboxStats := s.swarmStore.GetStats()

	primary := ""
	if p, ok := s.failoverMgr.GetPrimaryAdapter(); ok {
		primary = p.Name()
	}

	writeJSON(w, map[string]interface{}{
		"uptime_seconds":  time.Since(s.startedAt).Seconds(),
		"primary_adapter": primary,
		"router": map[string]uint64{
			"messages_routed":  routerStats.MessagesRouted,
			"messages_dropped": routerStats.MessagesDropped,
			"rate_limit_hits":  routerStats.RateLimitHits,
			"spam_detections":  routerStats.SpamDetections,
			"burst_limit_hits": routerStats.BurstLimitHits,
			"invalid_messages": routerStats.InvalidMessages,
		},
		"onion": map[string]uint64{
			"packets_processed": onionStats.PacketsProcessed,
			"packets_forwarded": onionStats.PacketsForwarded,
			"packets_delivered": onionStats.PacketsDelivered,
			"packets_dropped":   onionStats.PacketsDropped,
		},
		"outbox": map[string]uint64{
			"messages_stored":    outboxStats.MessagesStored,
			"messages_delivered": outboxStats.MessagesDelivered,
			"messages_expired":   outboxStats.MessagesExpired,
		},
	})
}

func (s *Server) adapterTypeByName(id string) (transport.AdapterType, bool) {
	for _, t := range s.registry.AdapterTypes() {
		if strings.EqualFold(t.Name(), id) {
			return t, true
		}
	}
	return transport.AdapterUnknown, false
}

func (s *Server) adapterView(t transport.AdapterType) map[string]interface{} {
	meta, _ := s.registry.GetMetadata(t)
	view := map[string]interface{}{
		"id":                 t.Name(),
		"version":            meta.Version,
		"library":            meta.Library,
		"status":             meta.Status.String(),
		"loaded_at":          meta.LoadedAt,
		"reload_count":       meta.ReloadCount,
		"active_connections": meta.ActiveConnections,
	}
	if adapter, ok := s.registry.Get(t); ok {
		caps := adapter.GetCapabilities()
		view["capabilities"] = map[string]interface{}{
			"max_message_size":      caps.MaxMessageSize,
			"typical_bandwidth_bps": caps.TypicalBandwidthBps,
			"typical_latency_ms":    caps.TypicalLatencyMs,
			"reliability_estimate":  caps.ReliabilityEstimate,
			"supports_broadcast":    caps.SupportsBroadcast,
			"cost_per_mb":           caps.CostPerMB,
			"privacy_level":         caps.PrivacyLevel,
		}
	}
	return view
}

func (s *Server) handleListAdapters(w http.ResponseWriter, r *http.Request) {
	types := s.registry.AdapterTypes()
	adapters := make([]map[string]interface{}, 0, len(types))
	for _, t := range types {
		adapters = append(adapters, s.adapterView(t))
	}
	writeJSON(w, map[string]interface{}{"adapters": adapters})
}

func (s *Server) handleGetAdapter(w http.ResponseWriter, r *http.Request) {
	t, ok := s.adapterTypeByName(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "unknown adapter", http.StatusNotFound)
		return
	}
	writeJSON(w, s.adapterView(t))
}

func (s *Server) handleAdapterStart(w http.ResponseWriter, r *http.Request) {
	t, ok := s.adapterTypeByName(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "unknown adapter", http.StatusNotFound)
		return
	}
	adapter, _ := s.registry.Get(t)
	if err := adapter.Start(r.Context()); err != nil {
		http.Error(w, fmt.Sprintf("start failed: %v", err), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdapterStop(w http.ResponseWriter, r *http.Request) {
	t, ok := s.adapterTypeByName(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "unknown adapter", http.StatusNotFound)
		return
	}
	adapter, _ := s.registry.Get(t)
	if err := adapter.Stop(r.Context()); err != nil {
		http.Error(w, fmt.Sprintf("stop failed: %v", err), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHeartbeatStats(w http.ResponseWriter, r *http.Request) {
	total, healthy := s.directory.Stats()
	writeJSON(w, map[string]interface{}{
		"known_nodes":   total,
		"healthy_nodes": healthy,
	})
}

func (s *Server) handleHeartbeatNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.directory.ListNodes()
	out := make([]map[string]interface{}, 0, len(nodes))
	for _, n := range nodes {
		pub := n.Public()
		out = append(out, map[string]interface{}{
			"node_id":    pub.NodeId.String(),
			"reputation": pub.Reputation,
			"last_seen":  n.LastSeen,
		})
	}
	writeJSON(w, map[string]interface{}{"nodes": out})
}

func (s *Server) handleFailoverEvents(w http.ResponseWriter, r *http.Request) {
	events := s.failoverMgr.RecentEvents(100)
	out := make([]map[string]interface{}, 0, len(events))
	for _, e := range events {
		out = append(out, map[string]interface{}{
			"kind":        e.Kind.String(),
			"at":          e.At,
			"description": e.String(),
		})
	}
	writeJSON(w, map[string]interface{}{"events": out})
}

func (s *Server) handleForceFailover(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AdapterID string `json:"adapter_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	t, ok := s.adapterTypeByName(req.AdapterID)
	if !ok {
		http.Error(w, "unknown adapter", http.StatusNotFound)
		return
	}
	if err := s.failoverMgr.ForceFailover(t); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetNetworkConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"scoring_profile":              s.config.ScoringProfile,
		"per_source_rps":               s.config.Router.PerSourceRPS,
		"global_rps":                   s.config.Router.GlobalRPS,
		"auto_failover":                s.config.Failover.AutoFailover,
		"latency_threshold_multiplier": s.config.Failover.LatencyThresholdMultiplier,
	})
}

func (s *Server) handleSetNetworkConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScoringProfile string `json:"scoring_profile"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	switch req.ScoringProfile {
	case "default", "battery_optimized", "performance_optimized", "reliability_optimized":
	default:
		http.Error(w, "unknown scoring profile", http.StatusBadRequest)
		return
	}
	s.config.ScoringProfile = req.ScoringProfile
	s.failoverMgr.SetScoringWeights(scoringWeightsFor(req.ScoringProfile))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleI2PStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"overlay_node_id":     s.dual.OverlayNodeId().String(),
		"separate_identities": s.dual.VerifySeparateIdentities(),
		"destination_set":     s.dual.OverlayDestination != "",
	})
}

func (s *Server) handleI2PDestination(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"destination": s.dual.OverlayDestination,
	})
}

func (s *Server) handleI2PTunnels(w http.ResponseWriter, r *http.Request) {
	// Tunnel management belongs to the overlay driver; the core only
	// reports what it knows locally.
	writeJSON(w, map[string]interface{}{
		"active_tunnels": 0,
		"tokens_stored":  s.dual.Tokens().Count(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":  "healthy",
		"version": Version,
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := s.swarmStore.CleanupExpired()
			if err != nil {
				log.Printf("outbox cleanup error: %v", err)
			} else {
				log.Printf("cleaned up %d expired outbox messages", count)
			}
			s.directory.HealthCheck()
			if n := s.dhtStorage.Prune(); n > 0 {
				log.Printf("pruned %d expired DHT entries", n)
			}
			s.rateLimiter.Cleanup(time.Hour)
		}
	}
}

// registryReplicator adapts the registered Ethernet/IP transport to the
// swarmstore.Replicator interface, so outbox replication rides the same
// signed wire path as every other send.
type registryReplicator struct {
	registry *registry.Registry
}

func (r *registryReplicator) Send(ctx context.Context, peerAddr string, payload []byte) error {
	adapter, ok := r.registry.Get(transport.AdapterEthernet)
	if !ok {
		return registry.ErrNotRegistered
	}
	addr, err := adapter.ParseAddress(peerAddr)
	if err != nil {
		return err
	}
	return adapter.Send(ctx, addr, payload)
}

func parseNodeID(s string) (identity.NodeId, error) {
	var id identity.NodeId
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != identity.NodeIDSize {
		return id, fmt.Errorf("node id must be %d hex bytes", identity.NodeIDSize)
	}
	copy(id[:], b)
	return id, nil
}

func parseMessageID(s string) (meshmsg.MessageID, error) {
	var id meshmsg.MessageID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != meshmsg.MessageIDSize {
		return id, fmt.Errorf("message id must be %d hex bytes", meshmsg.MessageIDSize)
	}
	copy(id[:], b)
	return id, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func putUint32(b []byte, v uint32) {
	binary.LittleEndian.PutUint32(b, v)
}
