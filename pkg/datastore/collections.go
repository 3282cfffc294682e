package datastore

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/formation/pkg/crdt"
	"github.com/cuemby/formation/pkg/ferrors"
	"github.com/cuemby/formation/pkg/membership"
	"github.com/cuemby/formation/pkg/storage"
	"github.com/cuemby/formation/pkg/types"
)

type action string

const (
	actionCreate action = "create"
	actionUpdate action = "update"
	actionDelete action = "delete"
)

// collection describes how the generic HTTP handlers dispatch to one
// CRDT-replicated kind's store methods and CRDT ops.
type collection struct {
	list     func(storage.Store) (any, error)
	get      func(storage.Store, string) (any, error)
	ops      map[action]crdt.Op
	validate func(*membership.Resolver, action, json.RawMessage) error
}

// registry lists every collection the datastore serves (spec §3):
// peers, cidrs, associations, relaynodes, instances, clusters,
// accounts, agents, dnsrecords.
var registry = map[string]collection{
	"peers": {
		list: func(s storage.Store) (any, error) { return s.ListPeers() },
		get:  func(s storage.Store, id string) (any, error) { return s.GetPeer(id) },
		ops:  map[action]crdt.Op{actionCreate: crdt.OpCreatePeer, actionUpdate: crdt.OpUpdatePeer, actionDelete: crdt.OpDeletePeer},
		validate: func(r *membership.Resolver, a action, data json.RawMessage) error {
			if a != actionCreate {
				return nil
			}
			var p types.Peer
			if err := json.Unmarshal(data, &p); err != nil {
				return ferrors.InvalidQuery("malformed peer: " + err.Error())
			}
			return r.ValidatePeer(&p)
		},
	},
	"cidrs": {
		list: func(s storage.Store) (any, error) { return s.ListCIDRs() },
		get:  func(s storage.Store, id string) (any, error) { return s.GetCIDR(id) },
		ops:  map[action]crdt.Op{actionCreate: crdt.OpCreateCIDR, actionUpdate: crdt.OpUpdateCIDR, actionDelete: crdt.OpDeleteCIDR},
		validate: func(r *membership.Resolver, a action, data json.RawMessage) error {
			if a != actionCreate {
				return nil
			}
			var c types.CIDR
			if err := json.Unmarshal(data, &c); err != nil {
				return ferrors.InvalidQuery("malformed cidr: " + err.Error())
			}
			return r.ValidateCIDR(&c)
		},
	},
	"associations": {
		list: func(s storage.Store) (any, error) { return s.ListAssociations() },
		get: func(s storage.Store, id string) (any, error) {
			assocs, err := s.ListAssociations()
			if err != nil {
				return nil, err
			}
			for _, a := range assocs {
				if a.ID == id {
					return a, nil
				}
			}
			return nil, ferrors.NotFound("association " + id + " not found")
		},
		ops: map[action]crdt.Op{actionCreate: crdt.OpCreateAssociation, actionDelete: crdt.OpDeleteAssociation},
	},
	"relaynodes": {
		list: func(s storage.Store) (any, error) { return s.ListRelayNodes() },
		get: func(s storage.Store, id string) (any, error) {
			return nil, ferrors.InvalidQuery("relay nodes are keyed by public key, not id; use /relaynodes/list")
		},
		ops: map[action]crdt.Op{actionUpdate: crdt.OpUpdateRelayNode},
	},
	"instances": {
		list: func(s storage.Store) (any, error) { return s.ListInstances() },
		get:  func(s storage.Store, id string) (any, error) { return s.GetInstance(id) },
		ops:  map[action]crdt.Op{actionCreate: crdt.OpCreateInstance, actionUpdate: crdt.OpUpdateInstance, actionDelete: crdt.OpDeleteInstance},
	},
	"clusters": {
		list: func(s storage.Store) (any, error) { return s.ListClusters() },
		get:  func(s storage.Store, id string) (any, error) { return s.GetCluster(id) },
		ops:  map[action]crdt.Op{actionCreate: crdt.OpUpdateCluster, actionUpdate: crdt.OpUpdateCluster},
	},
	"accounts": {
		list: func(s storage.Store) (any, error) {
			return nil, ferrors.InvalidQuery("accounts have no bulk listing; use /accounts/{address}/get")
		},
		get:  func(s storage.Store, id string) (any, error) { return s.GetAccount(id) },
		ops:  map[action]crdt.Op{actionCreate: crdt.OpUpdateAccount, actionUpdate: crdt.OpUpdateAccount},
	},
	"agents": {
		list: func(s storage.Store) (any, error) { return s.ListAgents() },
		get:  func(s storage.Store, id string) (any, error) { return s.GetAgent(id) },
		ops:  map[action]crdt.Op{actionCreate: crdt.OpUpdateAgent, actionUpdate: crdt.OpUpdateAgent},
	},
	"dnsrecords": {
		list: func(s storage.Store) (any, error) { return s.ListDNSRecords() },
		get:  func(s storage.Store, id string) (any, error) { return s.GetDNSRecord(id) },
		ops:  map[action]crdt.Op{actionCreate: crdt.OpUpdateDNSRecord, actionUpdate: crdt.OpUpdateDNSRecord},
	},
}

func (c collection) opFor(a action) (crdt.Op, error) {
	op, ok := c.ops[a]
	if !ok {
		return "", ferrors.InvalidQuery(fmt.Sprintf("unsupported action %q for this collection", a))
	}
	return op, nil
}
