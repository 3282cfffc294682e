package storage

import (
	"github.com/cuemby/formation/pkg/types"
)

// WriteKey identifies a single CRDT write for idempotency purposes: the
// same (actor, clock) pair applied twice must observe a single delta.
type WriteKey struct {
	Collection string
	EntityID   string
	ActorID    string
	Counter    uint64
}

// Store is the local persistence interface backing the CRDT-replicated
// collections. All mutating methods are upserts; CRDT merge semantics
// (last-writer-wins by clock) are resolved by the caller (pkg/crdt)
// before the resulting value reaches the store.
type Store interface {
	// Peers
	CreatePeer(peer *types.Peer) error
	GetPeer(id string) (*types.Peer, error)
	ListPeers() ([]*types.Peer, error)
	ListPeersByCIDR(cidrID string) ([]*types.Peer, error)
	UpdatePeer(peer *types.Peer) error
	PutPeer(peer *types.Peer) error
	DeletePeer(id string) error

	// CIDRs
	CreateCIDR(cidr *types.CIDR) error
	GetCIDR(id string) (*types.CIDR, error)
	ListCIDRs() ([]*types.CIDR, error)
	UpdateCIDR(cidr *types.CIDR) error
	PutCIDR(cidr *types.CIDR) error
	DeleteCIDR(id string) error

	// Associations
	CreateAssociation(assoc *types.Association) error
	PutAssociation(assoc *types.Association) error
	ListAssociations() ([]*types.Association, error)
	DeleteAssociation(id string) error

	// Relay node records
	UpsertRelayNode(rec *types.RelayNodeRecord) error
	PutRelayNodeRecord(rec *types.RelayNodeRecord) error
	GetRelayNode(pubKey [32]byte) (*types.RelayNodeRecord, error)
	ListRelayNodes() ([]*types.RelayNodeRecord, error)

	// Instances
	CreateInstance(inst *types.Instance) error
	GetInstance(id string) (*types.Instance, error)
	ListInstances() ([]*types.Instance, error)
	UpdateInstance(inst *types.Instance) error
	PutInstance(inst *types.Instance) error
	DeleteInstance(id string) error

	// Clusters
	CreateCluster(c *types.Cluster) error
	GetCluster(id string) (*types.Cluster, error)
	ListClusters() ([]*types.Cluster, error)
	UpdateCluster(c *types.Cluster) error
	PutCluster(c *types.Cluster) error
	DeleteCluster(id string) error

	// Accounts
	CreateAccount(a *types.Account) error
	GetAccount(address string) (*types.Account, error)
	UpdateAccount(a *types.Account) error
	PutAccount(a *types.Account) error

	// Agents
	CreateAgent(a *types.Agent) error
	GetAgent(id string) (*types.Agent, error)
	ListAgents() ([]*types.Agent, error)
	UpdateAgent(a *types.Agent) error
	PutAgent(a *types.Agent) error

	// DNS records
	CreateDNSRecord(r *types.DNSRecord) error
	GetDNSRecord(domain string) (*types.DNSRecord, error)
	ListDNSRecords() ([]*types.DNSRecord, error)
	UpdateDNSRecord(r *types.DNSRecord) error
	PutDNSRecord(r *types.DNSRecord) error
	DeleteDNSRecord(domain string) error

	// Certificate authority / operator keystore blob
	SaveCA(data []byte) error
	GetCA() ([]byte, error)
	SaveKeystore(data []byte) error
	GetKeystore() ([]byte, error)

	// Idempotency index: records that (collection, entity, actor, clock)
	// has already been applied. Seen returns false on first sight and
	// records it; subsequent identical keys return true.
	Seen(key WriteKey) (bool, error)

	Close() error
}
