// Package relay implements Formation's relay wire protocol: NAT-traversal
// assisted packet forwarding between overlay peers that cannot reach each
// other directly.
//
// Message framing, freshness windows, and the reliability/packet-loss EMA
// formulas are grounded on
// original_source/form-net/formnet/src/relay/protocol.rs — each message
// type carries its own freshness window rather than a single global one,
// because a forwarded data packet goes stale far sooner than a relay's
// infrequently-refreshed capability announcement.
package relay

import (
	"encoding/binary"
	"time"

	"github.com/cuemby/formation/pkg/types"
)

// MessageType identifies a relay wire message variant.
type MessageType uint8

const (
	MsgConnectionRequest  MessageType = 1
	MsgConnectionResponse MessageType = 2
	MsgForwardPacket      MessageType = 3
	MsgHeartbeat          MessageType = 4
	MsgDiscoveryQuery     MessageType = 5
	MsgRelayAnnouncement  MessageType = 6
	MsgDiscoveryResponse  MessageType = 7
)

// CurrentProtocolVersion is the only wire version this relay speaks.
// ConnectionRequest.Header.Version is checked against it on handshake;
// every other message is assumed to come from an already-accepted peer.
const CurrentProtocolVersion uint8 = 1

// freshness bounds how far into the past/future a message's timestamp may
// lie before it is rejected as stale or implausible. Always-valid message
// types (ConnectionResponse, Heartbeat) are absent from this table and
// skip the check entirely.
type freshness struct {
	maxAge    time.Duration
	maxFuture time.Duration
}

var freshnessByType = map[MessageType]freshness{
	MsgForwardPacket:     {maxAge: 30 * time.Second, maxFuture: 5 * time.Second},
	MsgConnectionRequest: {maxAge: 60 * time.Second, maxFuture: 5 * time.Second},
	MsgDiscoveryQuery:    {maxAge: 30 * time.Second, maxFuture: 5 * time.Second},
	MsgRelayAnnouncement: {maxAge: 86400 * time.Second, maxFuture: 300 * time.Second},
}

// Header prefixes every relay wire message. Version is mandatory: a relay
// that does not recognize a ConnectionRequest's version must reply rather
// than silently drop it (see handleConnectionRequest).
type Header struct {
	Type      MessageType
	Timestamp time.Time
	Version   uint8
}

// CheckFreshness validates hdr.Timestamp against hdr.Type's window, using
// now as the reference clock. Message types with no configured window
// (ConnectionResponse, Heartbeat) are always valid.
func (h Header) CheckFreshness(now time.Time) error {
	w, ok := freshnessByType[h.Type]
	if !ok {
		return nil
	}
	age := now.Sub(h.Timestamp)
	if age > w.maxAge {
		return errStale
	}
	if age < -w.maxFuture {
		return errFuture
	}
	return nil
}

type protocolError string

func (e protocolError) Error() string { return string(e) }

const (
	errStale  = protocolError("relay message timestamp too old")
	errFuture = protocolError("relay message timestamp too far in the future")
)

// Forward packet flag bits.
const (
	ForwardFlagHeaderEncrypted uint8 = 1 << 0
	ForwardFlagAckRequired     uint8 = 1 << 1
)

// ForwardPacket carries an opaque overlay payload between two peers via a
// relay. DestPubKey lets the relay route without consulting session state
// on every hop. The header freshness window is the packet's only time
// bound; ForwardPacket carries no separate expiry.
type ForwardPacket struct {
	Header     Header
	SessionID  uint64
	Nonce      uint64
	DestPubKey [32]byte
	Flags      uint8
	Payload    []byte
}

// HeaderEncrypted reports whether the forwarded payload's own header is
// separately encrypted from the outer relay envelope.
func (p ForwardPacket) HeaderEncrypted() bool {
	return p.Flags&ForwardFlagHeaderEncrypted != 0
}

// AckRequired reports whether the sender expects a delivery acknowledgement.
func (p ForwardPacket) AckRequired() bool {
	return p.Flags&ForwardFlagAckRequired != 0
}

// ConnectionRequest asks a relay to establish a session forwarding
// between two peers.
type ConnectionRequest struct {
	Header       Header
	SourcePubKey [32]byte
	DestPubKey   [32]byte
	Nonce        uint64
}

// ConnectionResponse answers a ConnectionRequest. Always valid regardless
// of timestamp. RequestNonce echoes the originating request's Nonce.
type ConnectionResponse struct {
	Header       Header
	SessionID    uint64
	Accepted     bool
	Reason       string
	RequestNonce uint64
}

// Heartbeat keeps a session alive. Always valid regardless of timestamp.
type Heartbeat struct {
	Header    Header
	SessionID uint64
	Seq       uint32
}

// DiscoveryQuery asks known relays to announce themselves.
type DiscoveryQuery struct {
	Header       Header
	RequiredCaps types.RelayCapability
	Region       string
	Nonce        uint64
}

// RelayNodeInfo is the relay record shape carried in a DiscoveryResponse.
type RelayNodeInfo = types.RelayNodeRecord

// DiscoveryResponse answers a DiscoveryQuery with matching relays in §4.1.1
// ranked order (see SelectRelay/RankRelays). MoreAvailable indicates the
// responder holds additional eligible relays beyond those returned.
type DiscoveryResponse struct {
	Header        Header
	RequestNonce  uint64
	Relays        []RelayNodeInfo
	MoreAvailable bool
}

// RelayAnnouncement advertises a relay's capabilities and load. Expires
// is independent of (and typically much shorter than) the header's own
// 86400s staleness bound.
type RelayAnnouncement struct {
	Header  Header
	Record  types.RelayNodeRecord
	Expires time.Time
	Nonce   uint64
}

// EncodeUint64 / DecodeUint64 convert a session id to and from 8
// little-endian bytes. The gob envelope framing in server.go does not
// use them.
func EncodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func DecodeUint64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}
