package router

import (
	"sync/atomic"

	"github.com/montana2ab/myriadmesh/node/pkg/identity"
	"github.com/montana2ab/myriadmesh/node/pkg/meshmsg"
)

// RejectReason categorizes exactly one of the §4.H admission outcomes.
type RejectReason int

const (
	RejectNone RejectReason = iota
	RejectInvalidSize
	RejectInvalidTTL
	RejectDuplicate
	RejectSpamPenalty
	RejectBurstLimit
	RejectRateLimit
	RejectQueueFull
)

// Stats holds the §4.H statistics counters. Every reject increments
// MessagesDropped; invalid-size and invalid-TTL rejects also increment
// InvalidMessages, and spam, burst and rate rejects also increment their
// own counter. Duplicate and queue-full rejects increment only
// MessagesDropped.
type Stats struct {
	MessagesRouted  uint64
	MessagesDropped uint64
	RateLimitHits   uint64
	SpamDetections  uint64
	BurstLimitHits  uint64
	InvalidMessages uint64
}

// Router runs the §4.H admission pipeline and dispatches accepted messages
// either to local delivery or the priority queue.
type Router struct {
	self identity.NodeId

	dedup *DedupCache
	burst *BurstGate
	spam  *SpamGate
	rate  *RateGates
	queue *PriorityQueue

	localDelivery chan *meshmsg.Message

	messagesRouted  uint64
	messagesDropped uint64
	rateLimitHits   uint64
	spamDetections  uint64
	burstLimitHits  uint64
	invalidMessages uint64
}

// Config bundles the tunables referenced in §4.H / §6.5.
type Config struct {
	PerSourceRPS    float64
	PerSourceBurst  int
	GlobalRPS       float64
	GlobalBurst     int
	QueueCapacity   int
	LocalDeliveryBuf int
}

// DefaultConfig mirrors the literal scenario in §8 ("Router DoS triage"):
// per_node_limit=10, global_limit=1000, burst=20/5s.
func DefaultConfig() Config {
	return Config{
		PerSourceRPS:     10,
		PerSourceBurst:   10,
		GlobalRPS:        1000,
		GlobalBurst:      1000,
		QueueCapacity:    10000,
		LocalDeliveryBuf: 1000,
	}
}

// New creates a Router bound to the local NodeId.
func New(self identity.NodeId, cfg Config) *Router {
	return &Router{
		self:          self,
		dedup:         NewDedupCache(),
		burst:         NewBurstGate(),
		spam:          NewSpamGate(),
		rate:          NewRateGates(cfg.PerSourceRPS, cfg.PerSourceBurst, cfg.GlobalRPS, cfg.GlobalBurst),
		queue:         NewPriorityQueue(cfg.QueueCapacity),
		localDelivery: make(chan *meshmsg.Message, cfg.LocalDeliveryBuf),
	}
}

// LocalDelivery exposes the channel messages destined for self are handed
// to. It is buffered to Config.LocalDeliveryBuf entries and is not
// lossless: when the buffer is full, Admit drops the message, counts it in
// MessagesDropped and still returns RejectNone rather than blocking.
func (r *Router) LocalDelivery() <-chan *meshmsg.Message { return r.localDelivery }

// Admit runs the full §4.H admission pipeline in order and, on acceptance,
// either delivers locally or enqueues into the priority queue.
func (r *Router) Admit(msg *meshmsg.Message) RejectReason {
	size := msg.WireSize()
	if size > meshmsg.MaxMessageSize || size < meshmsg.MinMessageSize {
		atomic.AddUint64(&r.invalidMessages, 1)
		atomic.AddUint64(&r.messagesDropped, 1)
		return RejectInvalidSize
	}
	if msg.TTL > meshmsg.MaxTTL || msg.TTL < meshmsg.MinTTL {
		atomic.AddUint64(&r.invalidMessages, 1)
		atomic.AddUint64(&r.messagesDropped, 1)
		return RejectInvalidTTL
	}
	if r.dedup.CheckAndRecord(msg.ID) {
		atomic.AddUint64(&r.messagesDropped, 1)
		return RejectDuplicate
	}
	if r.spam.UnderPenalty(msg.Source) {
		atomic.AddUint64(&r.spamDetections, 1)
		atomic.AddUint64(&r.messagesDropped, 1)
		return RejectSpamPenalty
	}
	if !r.burst.Allow(msg.Source) {
		atomic.AddUint64(&r.burstLimitHits, 1)
		atomic.AddUint64(&r.messagesDropped, 1)
		return RejectBurstLimit
	}
	if !r.rate.Allow(msg.Source) {
		atomic.AddUint64(&r.rateLimitHits, 1)
		atomic.AddUint64(&r.messagesDropped, 1)
		return RejectRateLimit
	}
	r.spam.RecordAndMaybePenalize(msg.Source)

	if msg.Destination == r.self {
		select {
		case r.localDelivery <- msg:
			atomic.AddUint64(&r.messagesRouted, 1)
		default:
			atomic.AddUint64(&r.messagesDropped, 1)
		}
		return RejectNone
	}

	if err := r.queue.Enqueue(msg); err != nil {
		atomic.AddUint64(&r.messagesDropped, 1)
		return RejectQueueFull
	}
	atomic.AddUint64(&r.messagesRouted, 1)
	return RejectNone
}

// Dequeue pulls the next outbound message in priority order.
func (r *Router) Dequeue() (*meshmsg.Message, bool) { return r.queue.Dequeue() }

// GetStats snapshots the admission counters.
func (r *Router) GetStats() Stats {
	return Stats{
		MessagesRouted:  atomic.LoadUint64(&r.messagesRouted),
		MessagesDropped: atomic.LoadUint64(&r.messagesDropped),
		RateLimitHits:   atomic.LoadUint64(&r.rateLimitHits),
		SpamDetections:  atomic.LoadUint64(&r.spamDetections),
		BurstLimitHits:  atomic.LoadUint64(&r.burstLimitHits),
		InvalidMessages: atomic.LoadUint64(&r.invalidMessages),
	}
}
