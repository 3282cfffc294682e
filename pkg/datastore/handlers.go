package datastore

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cuemby/formation/pkg/crdt"
	"github.com/cuemby/formation/pkg/ferrors"
	"github.com/cuemby/formation/pkg/types"
)

func toTypesClock(c crdtClock) types.Clock {
	return types.Clock{Counter: c.Counter, ActorID: c.ActorID}
}

func (s *Server) handleList(kind string) http.HandlerFunc {
	col := registry[kind]
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := col.list(s.store)
		if err != nil {
			ferrors.WriteJSON(w, r, err)
			return
		}
		writeList(w, items)
	}
}

func (s *Server) handleGet(kind string) http.HandlerFunc {
	col := registry[kind]
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		item, err := col.get(s.store, id)
		if err != nil {
			ferrors.WriteJSON(w, r, err)
			return
		}
		writeList(w, item)
	}
}

// writeEnvelope is the CRDT operation request body write endpoints
// accept (spec §4.3): the entity id, the HLC clock the caller's local
// replica stamped the write with, and the entity payload.
type writeEnvelope struct {
	EntityID string          `json:"entity_id"`
	Clock    crdtClock       `json:"clock"`
	Data     json.RawMessage `json:"data"`
}

// crdtClock mirrors types.Clock with JSON tags matching the wire
// envelope; kept distinct from types.Clock so the HTTP contract doesn't
// silently change if the internal struct's field names ever do.
type crdtClock struct {
	Counter uint64 `json:"counter"`
	ActorID string `json:"actor_id"`
}

func (s *Server) handleWrite(kind string, a action) http.HandlerFunc {
	col := registry[kind]
	return func(w http.ResponseWriter, r *http.Request) {
		op, err := col.opFor(a)
		if err != nil {
			ferrors.WriteJSON(w, r, err)
			return
		}

		var env writeEnvelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			ferrors.WriteJSON(w, r, ferrors.InvalidQuery("malformed request body: "+err.Error()))
			return
		}
		if env.EntityID == "" {
			ferrors.WriteJSON(w, r, ferrors.InvalidQuery("entity_id is required"))
			return
		}

		if col.validate != nil {
			if err := col.validate(s.resolver, a, env.Data); err != nil {
				ferrors.WriteJSON(w, r, err)
				return
			}
		}

		delta := crdt.Delta{
			Op:       op,
			EntityID: env.EntityID,
			Clock:    toTypesClock(env.Clock),
			Data:     env.Data,
		}

		applied, err := s.engine.Apply(kind, delta)
		if err != nil {
			ferrors.WriteJSON(w, r, ferrors.Wrap(ferrors.KindInternal, "apply delta", err))
			return
		}

		if applied && s.gossip != nil {
			s.gossip.Broadcast(kind, delta)
		}

		writeWriteResult(w, applied)
	}
}

// handleMerge accepts a delta gossiped from a peer node. Unlike
// handleWrite, it does not re-run create-time validation: the peer's
// local replica already validated the mutation before gossiping it, and
// the same-fleet trust boundary means re-validating here would only
// reject a legitimately divergent-but-resolved state.
func (s *Server) handleMerge(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var delta crdt.Delta
		if err := json.NewDecoder(r.Body).Decode(&delta); err != nil {
			ferrors.WriteJSON(w, r, ferrors.InvalidQuery("malformed delta: "+err.Error()))
			return
		}
		applied, err := s.engine.Apply(kind, delta)
		if err != nil {
			ferrors.WriteJSON(w, r, ferrors.Wrap(ferrors.KindInternal, "merge delta", err))
			return
		}
		writeWriteResult(w, applied)
	}
}
