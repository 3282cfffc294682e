package relay

import (
	"bytes"
	"context"
	"encoding/gob"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/formation/pkg/log"
	"github.com/cuemby/formation/pkg/types"
)

// envelope frames one relay message on the wire: Type identifies which
// concrete struct Body holds, gob-encoded. A single shared envelope
// (rather than per-type framing) keeps the UDP read loop a one-shot
// decode regardless of message kind.
type envelope struct {
	Type MessageType
	Body []byte
}

func encodeEnvelope(t MessageType, body interface{}) ([]byte, error) {
	var bodyBuf bytes.Buffer
	if err := gob.NewEncoder(&bodyBuf).Encode(body); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(envelope{Type: t, Body: bodyBuf.Bytes()}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Server is the UDP endpoint relay peers exchange ConnectionRequest,
// ForwardPacket, Heartbeat, DiscoveryQuery and RelayAnnouncement messages
// against. It holds session state in a SessionTable and answers
// DiscoveryQuery with a ranked list of this node's own RelayNodeRecord
// plus every relay learned from a RelayAnnouncement.
type Server struct {
	table      *SessionTable
	self       types.RelayNodeRecord
	logger     zerolog.Logger
	conn       net.PacketConn
	sweepEvery time.Duration

	knownMu sync.Mutex
	known   map[[32]byte]types.RelayNodeRecord
}

// NewServer constructs a relay Server advertising self in response to
// discovery queries.
func NewServer(table *SessionTable, self types.RelayNodeRecord) *Server {
	return &Server{
		table:      table,
		self:       self,
		logger:     log.WithComponent("relay"),
		sweepEvery: heartbeatInterval,
		known:      make(map[[32]byte]types.RelayNodeRecord),
	}
}

// Start listens on addr until ctx is cancelled, dispatching inbound
// messages and periodically sweeping stale sessions.
func (s *Server) Start(ctx context.Context, addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return err
	}
	s.conn = conn
	defer conn.Close()

	s.logger.Info().Str("addr", addr).Msg("relay server listening")

	go s.sweepLoop(ctx)

	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn().Err(err).Msg("relay read error")
			continue
		}
		s.handle(conn, from, buf[:n])
	}
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.table.Sweep(time.Now())
		}
	}
}

func (s *Server) handle(conn net.PacketConn, from net.Addr, raw []byte) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&env); err != nil {
		s.logger.Debug().Err(err).Msg("dropping malformed relay datagram")
		return
	}

	switch env.Type {
	case MsgConnectionRequest:
		var req ConnectionRequest
		if decodeBody(env.Body, &req) != nil {
			return
		}
		s.handleConnectionRequest(conn, from, req)
	case MsgForwardPacket:
		var pkt ForwardPacket
		if decodeBody(env.Body, &pkt) != nil {
			return
		}
		s.handleForwardPacket(pkt)
	case MsgHeartbeat:
		var hb Heartbeat
		if decodeBody(env.Body, &hb) != nil {
			return
		}
		s.table.Heartbeat(hb.SessionID, hb.Seq)
	case MsgDiscoveryQuery:
		var q DiscoveryQuery
		if decodeBody(env.Body, &q) != nil {
			return
		}
		s.handleDiscoveryQuery(conn, from, q)
	case MsgRelayAnnouncement:
		var ann RelayAnnouncement
		if decodeBody(env.Body, &ann) != nil {
			return
		}
		s.learnRelay(ann)
	default:
		s.logger.Debug().Uint8("type", uint8(env.Type)).Msg("unhandled relay message type")
	}
}

func decodeBody(body []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(body)).Decode(v)
}

func (s *Server) handleConnectionRequest(conn net.PacketConn, from net.Addr, req ConnectionRequest) {
	if req.Header.Version != CurrentProtocolVersion {
		s.reject(conn, from, 0, req.Nonce, "unsupported version")
		return
	}
	if err := req.Header.CheckFreshness(time.Now()); err != nil {
		s.reject(conn, from, 0, req.Nonce, err.Error())
		return
	}
	id := sessionIDFor(req.SourcePubKey, req.DestPubKey)
	sess := s.table.Create(id, req.SourcePubKey, req.DestPubKey)
	s.table.Establish(sess.SessionID)

	resp := ConnectionResponse{
		Header:       Header{Type: MsgConnectionResponse, Timestamp: time.Now(), Version: CurrentProtocolVersion},
		SessionID:    sess.SessionID,
		Accepted:     true,
		RequestNonce: req.Nonce,
	}
	data, err := encodeEnvelope(MsgConnectionResponse, resp)
	if err != nil {
		return
	}
	_, _ = conn.WriteTo(data, from)
}

func (s *Server) reject(conn net.PacketConn, from net.Addr, sessionID, requestNonce uint64, reason string) {
	resp := ConnectionResponse{
		Header:       Header{Type: MsgConnectionResponse, Timestamp: time.Now(), Version: CurrentProtocolVersion},
		SessionID:    sessionID,
		Accepted:     false,
		Reason:       reason,
		RequestNonce: requestNonce,
	}
	data, err := encodeEnvelope(MsgConnectionResponse, resp)
	if err != nil {
		return
	}
	_, _ = conn.WriteTo(data, from)
}

// handleForwardPacket drops pkt when its header fails the freshness
// check, and otherwise logs it at debug level when Usable reports false
// for its session id. It does not forward the payload to the destination
// peer and does not update the session's LastSeen.
func (s *Server) handleForwardPacket(pkt ForwardPacket) {
	if err := pkt.Header.CheckFreshness(time.Now()); err != nil {
		s.logger.Debug().Err(err).Uint64("session_id", pkt.SessionID).Msg("dropping stale forward packet")
		return
	}
	if !s.table.Usable(pkt.SessionID, time.Now()) {
		s.logger.Debug().Uint64("session_id", pkt.SessionID).Msg("dropping forward packet for unusable session")
	}
}

// handleDiscoveryQuery replies with every relay known to this node (self
// plus any peer learned from a received RelayAnnouncement) that has every
// capability q requires, ranked per §4.1.1 via RankRelays with relays in
// q's region first, rather than just broadcasting this node's own record.
func (s *Server) handleDiscoveryQuery(conn net.PacketConn, from net.Addr, q DiscoveryQuery) {
	candidates := []*types.RelayNodeRecord{&s.self}
	s.knownMu.Lock()
	for _, rec := range s.known {
		rec := rec
		candidates = append(candidates, &rec)
	}
	s.knownMu.Unlock()

	ranked := RankRelays(candidates, q.RequiredCaps, q.Region, nil)
	relays := make([]RelayNodeInfo, 0, len(ranked))
	for _, r := range ranked {
		relays = append(relays, *r)
	}

	resp := DiscoveryResponse{
		Header:       Header{Type: MsgDiscoveryResponse, Timestamp: time.Now(), Version: CurrentProtocolVersion},
		RequestNonce: q.Nonce,
		Relays:       relays,
	}
	data, err := encodeEnvelope(MsgDiscoveryResponse, resp)
	if err != nil {
		return
	}
	_, _ = conn.WriteTo(data, from)
}

// learnRelay records a peer relay's self-announcement so later discovery
// replies can include it alongside this node's own record.
func (s *Server) learnRelay(ann RelayAnnouncement) {
	if ann.Header.CheckFreshness(time.Now()) != nil {
		return
	}
	s.knownMu.Lock()
	s.known[ann.Record.PubKey] = ann.Record
	s.knownMu.Unlock()
}

// sessionIDFor derives a stable session id from a pair of peer public
// keys so both sides of a connection independently compute the same id.
func sessionIDFor(a, b [32]byte) uint64 {
	var combined [64]byte
	copy(combined[:32], a[:])
	copy(combined[32:], b[:])
	var h uint64 = 1469598103934665603 // FNV offset basis
	for _, c := range combined {
		h ^= uint64(c)
		h *= 1099511628211 // FNV prime
	}
	return h
}
