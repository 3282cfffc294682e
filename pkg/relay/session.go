package relay

import (
	"sync"
	"time"

	"github.com/cuemby/formation/pkg/types"
)

const (
	heartbeatInterval   = 10 * time.Second
	maxMissedHeartbeats = 3
	closedSessionCooldown = 60 * time.Second
)

// SessionTable tracks live relay sessions, sharded by session id to bound
// lock contention under concurrent forwarding.
type SessionTable struct {
	shards [shardCount]shard
}

const shardCount = 16

type shard struct {
	mu       sync.Mutex
	sessions map[uint64]*types.RelaySession
}

// NewSessionTable constructs an empty, sharded session table.
func NewSessionTable() *SessionTable {
	t := &SessionTable{}
	for i := range t.shards {
		t.shards[i].sessions = make(map[uint64]*types.RelaySession)
	}
	return t
}

func (t *SessionTable) shardFor(id uint64) *shard {
	return &t.shards[id%shardCount]
}

// Create transitions a session from None to Requested.
func (t *SessionTable) Create(id uint64, source, dest [32]byte) *types.RelaySession {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := &types.RelaySession{
		SessionID:    id,
		SourcePubKey: source,
		DestPubKey:   dest,
		State:        types.RelayStateRequested,
		LastSeen:     time.Now(),
	}
	s.sessions[id] = sess
	return sess
}

// Establish transitions a Requested session to Established.
func (t *SessionTable) Establish(id uint64) bool {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.State != types.RelayStateRequested {
		return false
	}
	sess.State = types.RelayStateEstablished
	sess.LastSeen = time.Now()
	return true
}

// Heartbeat records a heartbeat for an established session, resetting its
// missed count.
func (t *SessionTable) Heartbeat(id uint64, seq uint32) bool {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.State != types.RelayStateEstablished {
		return false
	}
	sess.HeartbeatSeq = seq
	sess.MissedHeartbeats = 0
	sess.LastSeen = time.Now()
	return true
}

// CheckMissedHeartbeats is called on the heartbeat ticker; it increments
// the missed count of every established session not seen within the
// last heartbeatInterval and closes any session whose count reaches
// maxMissedHeartbeats.
func (t *SessionTable) CheckMissedHeartbeats(now time.Time) (closed []uint64) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for id, sess := range s.sessions {
			if sess.State != types.RelayStateEstablished {
				continue
			}
			if now.Sub(sess.LastSeen) < heartbeatInterval {
				continue
			}
			sess.MissedHeartbeats++
			if sess.MissedHeartbeats >= maxMissedHeartbeats {
				sess.State = types.RelayStateClosed
				closedAt := now
				sess.ClosedAt = &closedAt
				closed = append(closed, id)
			}
		}
		s.mu.Unlock()
	}
	return closed
}

// Close transitions a session to Closed directly (e.g. on explicit
// teardown), independent of the heartbeat monitor.
func (t *SessionTable) Close(id uint64) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	sess.State = types.RelayStateClosed
	now := time.Now()
	sess.ClosedAt = &now
}

// Get returns the session for id, if tracked.
func (t *SessionTable) Get(id uint64) (*types.RelaySession, bool) {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Usable reports whether id may be reused for a new session: either
// untracked, or closed for at least closedSessionCooldown.
func (t *SessionTable) Usable(id uint64, now time.Time) bool {
	s := t.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return true
	}
	if sess.State != types.RelayStateClosed || sess.ClosedAt == nil {
		return false
	}
	return now.Sub(*sess.ClosedAt) >= closedSessionCooldown
}

// Sweep removes sessions closed long enough ago that they are no longer
// subject to the reuse cooldown, bounding table growth.
func (t *SessionTable) Sweep(now time.Time) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for id, sess := range s.sessions {
			if sess.State == types.RelayStateClosed && sess.ClosedAt != nil &&
				now.Sub(*sess.ClosedAt) >= 2*closedSessionCooldown {
				delete(s.sessions, id)
			}
		}
		s.mu.Unlock()
	}
}
