/*
Package storage provides BoltDB-backed persistence for Formation's local
CRDT log.

Each node keeps one bbolt file holding its replica of the fleet's shared
collections: peers, CIDRs, associations, relay node records, instances,
clusters, accounts, agents, and DNS records, plus the node's CA material
and encrypted operator keystore blob. All entities are serialized as JSON
into per-collection buckets; CRDT merge (last-writer-wins by clock) is
resolved by pkg/crdt before a value ever reaches Store — by the time a
write lands here it is already the authoritative value for that field.

# Idempotency

Every CRDT write identifies itself by (collection, entity id, actor id,
clock counter). Store.Seen records that tuple in a dedicated bucket;
resubmitting the same write is a no-op for the caller, matching the
datastore service's idempotent-under-retry contract.

# Usage

	store, err := storage.NewBoltStore("/var/lib/formation/node-1")
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	peer := &types.Peer{ID: "peer-1", Hostname: "alice", CIDRID: cidrID}
	if err := store.CreatePeer(peer); err != nil {
		...
	}
	peers, err := store.ListPeersByCIDR(cidrID)
*/
package storage
