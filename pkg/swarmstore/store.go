// Package swarmstore implements a store-and-forward outbox for messages
// addressed to a destination that is temporarily unreachable — a natural
// complement to links that go dark for hours at a time (HF radio, LoRa,
// i2p tunnels rebuilding). Adapted from the teacher's pkg/swarm.Store:
// the same k-replica consistent-hash peer selection and TTL sweep, with
// JSON-over-bare-HTTPS replication replaced by the signed transport
// wrapper (§6.1) and teacher's own common.Message replaced by
// meshmsg.Message.
package swarmstore

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/montana2ab/myriadmesh/node/pkg/blobstore"
	"github.com/montana2ab/myriadmesh/node/pkg/identity"
	"github.com/montana2ab/myriadmesh/node/pkg/meshmsg"
	"github.com/montana2ab/myriadmesh/node/pkg/transport"
)

// Entry is one stored outbox item: the message plus this store's own
// retention window (independent of the message's onion-hop TTL field).
type Entry struct {
	Message   meshmsg.Message
	StoredAt  time.Time
	ExpiresAt time.Time
}

// Replicator is the minimal outbound send surface swarmstore needs to
// push a replica to a peer by string address. A transport.Transport does
// not satisfy it directly (its Send takes an Address); the caller wires in
// an adapter such as cmd/meshnode's registryReplicator.
type Replicator interface {
	Send(ctx context.Context, peerAddr string, payload []byte) error
}

// Stats holds the running outbox counters.
type Stats struct {
	MessagesStored    uint64
	MessagesDelivered uint64
	MessagesExpired   uint64
}

// Store is the store-and-forward outbox with k-replica consistent-hash
// peer selection and TTL expiry.
type Store struct {
	storage      blobstore.Storage
	replicaPeers []string
	replicaCount int
	ttl          time.Duration

	self       *identity.Identity
	replicator Replicator

	mu                sync.RWMutex
	messagesStored    uint64
	messagesDelivered uint64
	messagesExpired   uint64
}

// New creates an outbox. replicator may be nil, in which case messages
// are stored locally only and never pushed to replicaPeers.
func New(storage blobstore.Storage, self *identity.Identity, replicator Replicator, replicaPeers []string, replicaCount int, ttl time.Duration) *Store {
	return &Store{
		storage:      storage,
		replicaPeers: replicaPeers,
		replicaCount: replicaCount,
		ttl:          ttl,
		self:         self,
		replicator:   replicator,
	}
}

// StoreMessage persists msg for later pickup by its destination and
// kicks off asynchronous replication to the message's k replica peers.
func (s *Store) StoreMessage(ctx context.Context, msg *meshmsg.Message) error {
	now := time.Now()
	entry := Entry{Message: *msg, StoredAt: now, ExpiresAt: now.Add(s.ttl)}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("swarmstore: marshal error: %w", err)
	}

	key := s.messageKey(msg.Destination.String(), msg.ID)
	if err := s.storage.Store(key, data); err != nil {
		return fmt.Errorf("swarmstore: storage error: %w", err)
	}

	s.mu.Lock()
	s.messagesStored++
	s.mu.Unlock()

	if s.replicator != nil {
		go s.replicateToPeers(context.Background(), entry)
	}
	return nil
}

// RetrieveMessages returns all non-expired messages addressed to dest,
// sweeping any expired ones it encounters along the way.
func (s *Store) RetrieveMessages(dest identity.NodeId) ([]*meshmsg.Message, error) {
	prefix := s.sessionPrefix(dest.String())
	keys, err := s.storage.List(prefix)
	if err != nil {
		return nil, fmt.Errorf("swarmstore: list error: %w", err)
	}

	now := time.Now()
	messages := make([]*meshmsg.Message, 0, len(keys))

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		data, err := s.storage.Retrieve(key)
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		if now.After(entry.ExpiresAt) {
			s.storage.Delete(key)
			s.messagesExpired++
			continue
		}
		msg := entry.Message
		messages = append(messages, &msg)
	}
	s.messagesDelivered += uint64(len(messages))
	return messages, nil
}

// DeleteMessage removes one delivered message from the outbox and, if a
// replicator is wired, from its replica peers.
func (s *Store) DeleteMessage(dest identity.NodeId, msgID meshmsg.MessageID) error {
	key := s.messageKey(dest.String(), msgID)
	if err := s.storage.Delete(key); err != nil {
		return fmt.Errorf("swarmstore: delete error: %w", err)
	}
	if s.replicator != nil {
		go s.deleteFromPeers(context.Background(), dest.String(), key)
	}
	return nil
}

// CleanupExpired sweeps every stored entry and removes those past their
// ExpiresAt, returning the count removed.
func (s *Store) CleanupExpired() (int, error) {
	keys, err := s.storage.List("messages/")
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	now := time.Now()
	for _, key := range keys {
		data, err := s.storage.Retrieve(key)
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		if now.After(entry.ExpiresAt) {
			s.storage.Delete(key)
			s.messagesExpired++
			count++
		}
	}
	return count, nil
}

// GetStats returns a snapshot of the outbox counters.
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		MessagesStored:    s.messagesStored,
		MessagesDelivered: s.messagesDelivered,
		MessagesExpired:   s.messagesExpired,
	}
}

func (s *Store) messageKey(destHex string, id meshmsg.MessageID) string {
	return fmt.Sprintf("messages/%s/%x", destHex, id)
}

func (s *Store) sessionPrefix(destHex string) string {
	return fmt.Sprintf("messages/%s/", destHex)
}

// replicateToPeers pushes entry to its k consistent-hash replica peers
// wrapped in the signed unicast frame (§6.1), rather than the teacher's
// bare HTTPS JSON POST.
func (s *Store) replicateToPeers(ctx context.Context, entry Entry) {
	peers := s.selectReplicationPeers(entry.Message.Destination.String())

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	wrapped := transport.WrapUnicast(s.self, data)

	for _, peer := range peers {
		go func(addr string) {
			_ = s.replicator.Send(ctx, addr, wrapped)
		}(peer)
	}
}

func (s *Store) deleteFromPeers(ctx context.Context, destHex, key string) {
	peers := s.selectReplicationPeers(destHex)
	payload := transport.WrapUnicast(s.self, []byte("delete:"+key))
	for _, peer := range peers {
		go func(addr string) {
			_ = s.replicator.Send(ctx, addr, payload)
		}(peer)
	}
}

// selectReplicationPeers picks up to replicaCount peers via consistent
// hashing over the known peer list, grounded verbatim on the teacher's
// ring-walk algorithm.
func (s *Store) selectReplicationPeers(key string) []string {
	if len(s.replicaPeers) == 0 {
		return nil
	}

	k := s.replicaCount
	if k > len(s.replicaPeers) {
		k = len(s.replicaPeers)
	}

	hash := hashString(key)

	type peerHash struct {
		peer string
		hash uint64
	}
	peerHashes := make([]peerHash, len(s.replicaPeers))
	for i, peer := range s.replicaPeers {
		peerHashes[i] = peerHash{peer: peer, hash: hashString(peer)}
	}
	sort.Slice(peerHashes, func(i, j int) bool { return peerHashes[i].hash < peerHashes[j].hash })

	startIdx := 0
	for i, ph := range peerHashes {
		if ph.hash >= hash {
			startIdx = i
			break
		}
	}

	selected := make([]string, 0, k)
	for i := 0; i < k; i++ {
		idx := (startIdx + i) % len(peerHashes)
		selected = append(selected, peerHashes[idx].peer)
	}
	return selected
}

func hashString(s string) uint64 {
	h := sha256.Sum256([]byte(s))
	return binary.BigEndian.Uint64(h[:8])
}
