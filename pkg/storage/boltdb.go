package storage

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/formation/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketPeers        = []byte("peers")
	bucketCIDRs        = []byte("cidrs")
	bucketAssociations = []byte("associations")
	bucketRelayNodes   = []byte("relay_nodes")
	bucketInstances    = []byte("instances")
	bucketClusters     = []byte("clusters")
	bucketAccounts     = []byte("accounts")
	bucketAgents       = []byte("agents")
	bucketDNSRecords   = []byte("dns_records")
	bucketCA           = []byte("ca")
	bucketKeystore     = []byte("keystore")
	bucketIdempotency  = []byte("idempotency")
)

// BoltStore implements Store using a local bbolt file as the CRDT log.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the node's local CRDT log.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "formation.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketPeers, bucketCIDRs, bucketAssociations, bucketRelayNodes,
			bucketInstances, bucketClusters, bucketAccounts, bucketAgents,
			bucketDNSRecords, bucketCA, bucketKeystore, bucketIdempotency,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func put(tx *bolt.Tx, bucket []byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put([]byte(key), data)
}

// --- Peers ---

func (s *BoltStore) CreatePeer(peer *types.Peer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketPeers, peer.ID, peer)
	})
}

func (s *BoltStore) GetPeer(id string) (*types.Peer, error) {
	var peer types.Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPeers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("peer not found: %s", id)
		}
		return json.Unmarshal(data, &peer)
	})
	return &peer, err
}

func (s *BoltStore) ListPeers() ([]*types.Peer, error) {
	var peers []*types.Peer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(k, v []byte) error {
			var peer types.Peer
			if err := json.Unmarshal(v, &peer); err != nil {
				return err
			}
			peers = append(peers, &peer)
			return nil
		})
	})
	return peers, err
}

func (s *BoltStore) ListPeersByCIDR(cidrID string) ([]*types.Peer, error) {
	all, err := s.ListPeers()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Peer
	for _, p := range all {
		if p.CIDRID == cidrID {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

func (s *BoltStore) UpdatePeer(peer *types.Peer) error {
	return s.CreatePeer(peer)
}

// PutPeer upserts peer regardless of whether it already exists.
func (s *BoltStore) PutPeer(peer *types.Peer) error {
	return s.CreatePeer(peer)
}

func (s *BoltStore) DeletePeer(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).Delete([]byte(id))
	})
}

// --- CIDRs ---

func (s *BoltStore) CreateCIDR(cidr *types.CIDR) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketCIDRs, cidr.ID, cidr)
	})
}

func (s *BoltStore) GetCIDR(id string) (*types.CIDR, error) {
	var cidr types.CIDR
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCIDRs).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("cidr not found: %s", id)
		}
		return json.Unmarshal(data, &cidr)
	})
	return &cidr, err
}

func (s *BoltStore) ListCIDRs() ([]*types.CIDR, error) {
	var cidrs []*types.CIDR
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCIDRs).ForEach(func(k, v []byte) error {
			var cidr types.CIDR
			if err := json.Unmarshal(v, &cidr); err != nil {
				return err
			}
			cidrs = append(cidrs, &cidr)
			return nil
		})
	})
	return cidrs, err
}

func (s *BoltStore) UpdateCIDR(cidr *types.CIDR) error {
	return s.CreateCIDR(cidr)
}

// PutCIDR upserts cidr regardless of whether it already exists.
func (s *BoltStore) PutCIDR(cidr *types.CIDR) error {
	return s.CreateCIDR(cidr)
}

func (s *BoltStore) DeleteCIDR(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCIDRs).Delete([]byte(id))
	})
}

// --- Associations ---

func (s *BoltStore) CreateAssociation(assoc *types.Association) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketAssociations, assoc.ID, assoc)
	})
}

func (s *BoltStore) ListAssociations() ([]*types.Association, error) {
	var assocs []*types.Association
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssociations).ForEach(func(k, v []byte) error {
			var assoc types.Association
			if err := json.Unmarshal(v, &assoc); err != nil {
				return err
			}
			assocs = append(assocs, &assoc)
			return nil
		})
	})
	return assocs, err
}

// PutAssociation upserts assoc regardless of whether it already exists.
func (s *BoltStore) PutAssociation(assoc *types.Association) error {
	return s.CreateAssociation(assoc)
}

func (s *BoltStore) DeleteAssociation(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAssociations).Delete([]byte(id))
	})
}

// --- Relay node records ---

func relayKey(pubKey [32]byte) string {
	return hex.EncodeToString(pubKey[:])
}

func (s *BoltStore) UpsertRelayNode(rec *types.RelayNodeRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketRelayNodes, relayKey(rec.PubKey), rec)
	})
}

func (s *BoltStore) GetRelayNode(pubKey [32]byte) (*types.RelayNodeRecord, error) {
	var rec types.RelayNodeRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRelayNodes).Get([]byte(relayKey(pubKey)))
		if data == nil {
			return fmt.Errorf("relay node not found")
		}
		return json.Unmarshal(data, &rec)
	})
	return &rec, err
}

// PutRelayNodeRecord upserts rec regardless of whether it already exists.
func (s *BoltStore) PutRelayNodeRecord(rec *types.RelayNodeRecord) error {
	return s.UpsertRelayNode(rec)
}

func (s *BoltStore) ListRelayNodes() ([]*types.RelayNodeRecord, error) {
	var recs []*types.RelayNodeRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRelayNodes).ForEach(func(k, v []byte) error {
			var rec types.RelayNodeRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

// --- Instances ---

func (s *BoltStore) CreateInstance(inst *types.Instance) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketInstances, inst.ID, inst)
	})
}

func (s *BoltStore) GetInstance(id string) (*types.Instance, error) {
	var inst types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketInstances).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("instance not found: %s", id)
		}
		return json.Unmarshal(data, &inst)
	})
	return &inst, err
}

func (s *BoltStore) ListInstances() ([]*types.Instance, error) {
	var insts []*types.Instance
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).ForEach(func(k, v []byte) error {
			var inst types.Instance
			if err := json.Unmarshal(v, &inst); err != nil {
				return err
			}
			insts = append(insts, &inst)
			return nil
		})
	})
	return insts, err
}

func (s *BoltStore) UpdateInstance(inst *types.Instance) error {
	return s.CreateInstance(inst)
}

// PutInstance upserts inst regardless of whether it already exists.
func (s *BoltStore) PutInstance(inst *types.Instance) error {
	return s.CreateInstance(inst)
}

func (s *BoltStore) DeleteInstance(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketInstances).Delete([]byte(id))
	})
}

// --- Clusters ---

func (s *BoltStore) CreateCluster(c *types.Cluster) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketClusters, c.ID, c)
	})
}

func (s *BoltStore) GetCluster(id string) (*types.Cluster, error) {
	var c types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketClusters).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("cluster not found: %s", id)
		}
		return json.Unmarshal(data, &c)
	})
	return &c, err
}

func (s *BoltStore) ListClusters() ([]*types.Cluster, error) {
	var clusters []*types.Cluster
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusters).ForEach(func(k, v []byte) error {
			var c types.Cluster
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			clusters = append(clusters, &c)
			return nil
		})
	})
	return clusters, err
}

func (s *BoltStore) UpdateCluster(c *types.Cluster) error {
	return s.CreateCluster(c)
}

// PutCluster upserts c regardless of whether it already exists.
func (s *BoltStore) PutCluster(c *types.Cluster) error {
	return s.CreateCluster(c)
}

func (s *BoltStore) DeleteCluster(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketClusters).Delete([]byte(id))
	})
}

// --- Accounts ---

func (s *BoltStore) CreateAccount(a *types.Account) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketAccounts, a.Address, a)
	})
}

func (s *BoltStore) GetAccount(address string) (*types.Account, error) {
	var a types.Account
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAccounts).Get([]byte(address))
		if data == nil {
			return fmt.Errorf("account not found: %s", address)
		}
		return json.Unmarshal(data, &a)
	})
	return &a, err
}

func (s *BoltStore) UpdateAccount(a *types.Account) error {
	return s.CreateAccount(a)
}

// PutAccount upserts a regardless of whether it already exists.
func (s *BoltStore) PutAccount(a *types.Account) error {
	return s.CreateAccount(a)
}

// --- Agents ---

func (s *BoltStore) CreateAgent(a *types.Agent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketAgents, a.ID, a)
	})
}

func (s *BoltStore) GetAgent(id string) (*types.Agent, error) {
	var a types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAgents).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("agent not found: %s", id)
		}
		return json.Unmarshal(data, &a)
	})
	return &a, err
}

func (s *BoltStore) ListAgents() ([]*types.Agent, error) {
	var agents []*types.Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(k, v []byte) error {
			var a types.Agent
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			agents = append(agents, &a)
			return nil
		})
	})
	return agents, err
}

func (s *BoltStore) UpdateAgent(a *types.Agent) error {
	return s.CreateAgent(a)
}

// PutAgent upserts a regardless of whether it already exists.
func (s *BoltStore) PutAgent(a *types.Agent) error {
	return s.CreateAgent(a)
}

// --- DNS records ---

func (s *BoltStore) CreateDNSRecord(r *types.DNSRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketDNSRecords, r.Domain, r)
	})
}

func (s *BoltStore) GetDNSRecord(domain string) (*types.DNSRecord, error) {
	var r types.DNSRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDNSRecords).Get([]byte(domain))
		if data == nil {
			return fmt.Errorf("dns record not found: %s", domain)
		}
		return json.Unmarshal(data, &r)
	})
	return &r, err
}

func (s *BoltStore) ListDNSRecords() ([]*types.DNSRecord, error) {
	var recs []*types.DNSRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDNSRecords).ForEach(func(k, v []byte) error {
			var r types.DNSRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			recs = append(recs, &r)
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) UpdateDNSRecord(r *types.DNSRecord) error {
	return s.CreateDNSRecord(r)
}

// PutDNSRecord upserts r regardless of whether it already exists.
func (s *BoltStore) PutDNSRecord(r *types.DNSRecord) error {
	return s.CreateDNSRecord(r)
}

func (s *BoltStore) DeleteDNSRecord(domain string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDNSRecords).Delete([]byte(domain))
	})
}

// --- CA / keystore ---

func (s *BoltStore) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCA).Put([]byte("ca"), data)
	})
}

func (s *BoltStore) GetCA() ([]byte, error) {
	return s.getBlob(bucketCA, "ca")
}

func (s *BoltStore) SaveKeystore(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeystore).Put([]byte("keystore"), data)
	})
}

func (s *BoltStore) GetKeystore() ([]byte, error) {
	return s.getBlob(bucketKeystore, "keystore")
}

func (s *BoltStore) getBlob(bucket []byte, key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("%s not found", key)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

// --- Idempotency ---

func idempotencyKey(key WriteKey) string {
	return fmt.Sprintf("%s/%s/%s/%d", key.Collection, key.EntityID, key.ActorID, key.Counter)
}

func (s *BoltStore) Seen(key WriteKey) (bool, error) {
	var seen bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdempotency)
		k := []byte(idempotencyKey(key))
		if b.Get(k) != nil {
			seen = true
			return nil
		}
		return b.Put(k, []byte{1})
	})
	return seen, err
}
