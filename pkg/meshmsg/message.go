// Package meshmsg implements message framing: the wire message header,
// priorities, TTLs, content tags, and routing flags of component G.
package meshmsg

import (
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/montana2ab/myriadmesh/node/pkg/identity"
)

// Constants from §6.5.
const (
	MessageIDSize     = 16
	MaxPayloadSize    = 1 << 20 // 1 MiB
	MaxTTL            = 32
	MinTTL            = 1
	MinMessageSize    = 200
	MaxMessageSize    = 1 << 20
	MaxContentTags    = 10
	MaxContentTagSize = 32
	TimestampFreshnessWindow = 5 * time.Minute
)

// MessageID is the 16-byte BLAKE2-derived identifier (§3).
type MessageID [MessageIDSize]byte

// Priority bands (§4.G). Each band maps to a queue index 0..4.
type Priority byte

const (
	PriorityBackgroundDefault Priority = 32
	PriorityLowDefault        Priority = 96
	PriorityNormalDefault     Priority = 160
	PriorityHighDefault       Priority = 208
	PriorityEmergencyDefault  Priority = 240
)

// Band returns the queue index 0..4 for a priority value.
func (p Priority) Band() int {
	switch {
	case p <= 63:
		return 0 // Background
	case p <= 127:
		return 1 // Low
	case p <= 191:
		return 2 // Normal
	case p <= 223:
		return 3 // High
	default:
		return 4 // Emergency
	}
}

const NumBands = 5

// RoutingFlags is a bitfield (§4.G).
type RoutingFlags uint8

const (
	FlagE2EStrict      RoutingFlags = 1 << 0
	FlagSensitive      RoutingFlags = 1 << 1
	FlagRelayFilterable RoutingFlags = 1 << 2
	FlagMultiPath      RoutingFlags = 1 << 3
	FlagAnonymous      RoutingFlags = 1 << 4
	FlagNoOnionRouting RoutingFlags = 1 << 5
)

// DefaultRoutingFlags is E2E_STRICT (default per §4.G).
const DefaultRoutingFlags = FlagE2EStrict

// Message is the core application payload envelope (§3).
type Message struct {
	ID          MessageID
	Source      identity.NodeId
	Destination identity.NodeId
	Type        byte
	Priority    Priority
	TTL         byte
	Timestamp   int64 // milliseconds
	Sequence    uint32
	Payload     []byte
	Flags       RoutingFlags
	ContentTags []string
}

var (
	ErrPayloadTooLarge  = errors.New("meshmsg: payload exceeds MAX_PAYLOAD_SIZE")
	ErrTooManyTags      = errors.New("meshmsg: more than 10 content tags")
	ErrContentTagTooLong = errors.New("meshmsg: content tag exceeds 32 bytes")
)

// New builds a message, computing its deterministic MessageId from
// (source, destination, payload, timestamp, sequence) (§4.G).
func New(source, destination identity.NodeId, msgType byte, priority Priority, ttl byte, payload []byte, sequence uint32) (*Message, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	ts := time.Now().UnixMilli()
	m := &Message{
		Source:      source,
		Destination: destination,
		Type:        msgType,
		Priority:    priority,
		TTL:         ttl,
		Timestamp:   ts,
		Sequence:    sequence,
		Payload:     payload,
		Flags:       DefaultRoutingFlags,
	}
	m.ID = ComputeMessageID(source, destination, payload, ts, sequence)
	return m, nil
}

// ComputeMessageID is deterministic in its inputs: the same
// (source, destination, payload, timestamp, sequence) always yields the
// same id, which is what makes deduplication work (§4.G).
func ComputeMessageID(source, destination identity.NodeId, payload []byte, timestamp int64, sequence uint32) MessageID {
	h, _ := blake2b.New(MessageIDSize, nil)
	h.Write(source.Bytes())
	h.Write(destination.Bytes())
	h.Write(payload)
	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(timestamp))
	h.Write(tsBuf[:])
	var seqBuf [4]byte
	binary.LittleEndian.PutUint32(seqBuf[:], sequence)
	h.Write(seqBuf[:])

	sum := h.Sum(nil)
	var id MessageID
	copy(id[:], sum)
	return id
}

// DecrementTTL returns (newTTL, ok); ok is false when ttl was already 0
// (§4.G).
func DecrementTTL(ttl byte) (byte, bool) {
	if ttl == 0 {
		return 0, false
	}
	return ttl - 1, true
}

// IsFresh checks the §4.G timestamp-freshness invariant: |now_ms - ts| <=
// 5 minutes.
func IsFresh(timestampMs int64) bool {
	now := time.Now().UnixMilli()
	delta := now - timestampMs
	if delta < 0 {
		delta = -delta
	}
	return time.Duration(delta) * time.Millisecond <= TimestampFreshnessWindow
}

// AddContentTag appends a UTF-8 content tag, enforcing the ≤10 tags /
// ≤32-byte-each caps.
func (m *Message) AddContentTag(tag string) error {
	if len(m.ContentTags) >= MaxContentTags {
		return ErrTooManyTags
	}
	if len(tag) > MaxContentTagSize {
		return ErrContentTagTooLong
	}
	m.ContentTags = append(m.ContentTags, tag)
	return nil
}

// RelayPolicy decides whether a relay should forward a message carrying
// the given flags and tags, given an optional block/allow tag list and
// whether tag-based filtering is enabled at all (§4.G).
type RelayPolicy struct {
	FilteringEnabled bool
	BlockList        map[string]struct{}
	AllowList        map[string]struct{}
}

// ShouldRelay implements the §4.G decision tree: SENSITIVE always
// forwards; filtering disabled forwards; not opted into filtering
// forwards; otherwise block-list then allow-list.
func (p *RelayPolicy) ShouldRelay(flags RoutingFlags, tags []string) bool {
	if flags&FlagSensitive != 0 {
		return true
	}
	if !p.FilteringEnabled {
		return true
	}
	if flags&FlagRelayFilterable == 0 {
		return true
	}
	for _, tag := range tags {
		if _, blocked := p.BlockList[tag]; blocked {
			return false
		}
	}
	if len(p.AllowList) == 0 {
		return true
	}
	for _, tag := range tags {
		if _, allowed := p.AllowList[tag]; allowed {
			return true
		}
	}
	return false
}

// Frame is the transport-level envelope carrying one Message; its optional
// content tags travel inside the Message. Frame holds no signature: the
// signed outer wrapper for clear transports is added by
// transport.WrapUnicast (§3, §6.1).
type Frame struct {
	Message Message
}

// Marshal serializes the frame's message to wire bytes.
func (f *Frame) Marshal() ([]byte, error) { return f.Message.Marshal() }

// UnmarshalFrame parses a wire buffer into a Frame.
func UnmarshalFrame(data []byte) (*Frame, error) {
	msg, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{Message: *msg}, nil
}

// headerSize is the fixed portion of the wire format (§6.4): message_id
// (16), source (64), destination (64), type (1), priority (1), ttl (1),
// timestamp (8 LE), sequence (4 LE).
const headerSize = MessageIDSize + identity.NodeIDSize*2 + 1 + 1 + 1 + 8 + 4

// HeaderBytes serializes the fixed message header: message_id(16),
// source(64), destination(64), type(1), priority(1), ttl(1),
// timestamp(8 LE), sequence(4 LE) (§6.4).
func (m *Message) HeaderBytes() []byte {
	buf := make([]byte, headerSize)
	off := 0
	copy(buf[off:], m.ID[:])
	off += MessageIDSize
	copy(buf[off:], m.Source.Bytes())
	off += identity.NodeIDSize
	copy(buf[off:], m.Destination.Bytes())
	off += identity.NodeIDSize
	buf[off] = m.Type
	off++
	buf[off] = byte(m.Priority)
	off++
	buf[off] = m.TTL
	off++
	binary.LittleEndian.PutUint64(buf[off:], uint64(m.Timestamp))
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], m.Sequence)
	return buf
}

// WireSize returns the exact length Marshal would produce, without
// allocating.
func (m *Message) WireSize() int {
	n := headerSize + 4 + len(m.Payload) + 1 + 1
	for _, tag := range m.ContentTags {
		n += 1 + len(tag)
	}
	return n
}

var (
	ErrShortMessage    = errors.New("meshmsg: buffer too short to contain a message")
	ErrTruncatedWire   = errors.New("meshmsg: wire buffer truncated mid-field")
	ErrMessageTooLarge = errors.New("meshmsg: serialized message exceeds MAX_MESSAGE_SIZE")
)

// Marshal serializes a message to its complete wire form: the fixed
// header, a length-prefixed payload, the routing-flags byte, and a
// length-prefixed content-tag list (§6.4).
func (m *Message) Marshal() ([]byte, error) {
	if len(m.Payload) > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}
	if len(m.ContentTags) > MaxContentTags {
		return nil, ErrTooManyTags
	}
	for _, tag := range m.ContentTags {
		if len(tag) > MaxContentTagSize {
			return nil, ErrContentTagTooLong
		}
	}

	buf := make([]byte, 0, headerSize+4+len(m.Payload)+1+1+len(m.ContentTags)*(1+MaxContentTagSize))
	buf = append(buf, m.HeaderBytes()...)

	var payloadLen [4]byte
	binary.LittleEndian.PutUint32(payloadLen[:], uint32(len(m.Payload)))
	buf = append(buf, payloadLen[:]...)
	buf = append(buf, m.Payload...)

	buf = append(buf, byte(m.Flags))
	buf = append(buf, byte(len(m.ContentTags)))
	for _, tag := range m.ContentTags {
		buf = append(buf, byte(len(tag)))
		buf = append(buf, tag...)
	}

	if len(buf) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	return buf, nil
}

// Unmarshal parses a message from its complete wire form, as produced by
// Marshal.
func Unmarshal(data []byte) (*Message, error) {
	if len(data) < headerSize+4 {
		return nil, ErrShortMessage
	}

	m := &Message{}
	off := 0
	copy(m.ID[:], data[off:off+MessageIDSize])
	off += MessageIDSize
	copy(m.Source[:], data[off:off+identity.NodeIDSize])
	off += identity.NodeIDSize
	copy(m.Destination[:], data[off:off+identity.NodeIDSize])
	off += identity.NodeIDSize
	m.Type = data[off]
	off++
	m.Priority = Priority(data[off])
	off++
	m.TTL = data[off]
	off++
	m.Timestamp = int64(binary.LittleEndian.Uint64(data[off : off+8]))
	off += 8
	m.Sequence = binary.LittleEndian.Uint32(data[off : off+4])
	off += 4

	payloadLen := binary.LittleEndian.Uint32(data[off : off+4])
	off += 4
	if payloadLen > MaxPayloadSize || off+int(payloadLen) > len(data) {
		return nil, ErrTruncatedWire
	}
	m.Payload = append([]byte(nil), data[off:off+int(payloadLen)]...)
	off += int(payloadLen)

	if off+2 > len(data) {
		return nil, ErrTruncatedWire
	}
	m.Flags = RoutingFlags(data[off])
	off++
	numTags := int(data[off])
	off++
	if numTags > MaxContentTags {
		return nil, ErrTooManyTags
	}

	tags := make([]string, 0, numTags)
	for i := 0; i < numTags; i++ {
		if off >= len(data) {
			return nil, ErrTruncatedWire
		}
		tagLen := int(data[off])
		off++
		if tagLen > MaxContentTagSize || off+tagLen > len(data) {
			return nil, ErrTruncatedWire
		}
		tags = append(tags, string(data[off:off+tagLen]))
		off += tagLen
	}
	m.ContentTags = tags

	return m, nil
}
