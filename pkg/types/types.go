package types

import (
	"net"
	"time"
)

// Clock is a hybrid logical clock value: a monotonically increasing
// counter paired with an actor id, used to order CRDT field writes.
type Clock struct {
	Counter uint64
	ActorID string
}

// After reports whether c happened after other, breaking ties by actor id.
func (c Clock) After(other Clock) bool {
	if c.Counter != other.Counter {
		return c.Counter > other.Counter
	}
	return c.ActorID > other.ActorID
}

// Peer is a tunnel endpoint participating in the overlay (formnet).
type Peer struct {
	ID               string
	PublicKey        [32]byte
	Hostname         string
	CIDRID           string
	IP               net.IP
	Endpoint         string
	CandidateEndpoints []string
	IsAdmin          bool
	IsDisabled       bool
	IsRedeemed       bool
	InviteExpires    *time.Time
	PersistentKeepalive time.Duration
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CIDR is a named, tree-structured IP address block participating in
// the overlay. Network is stored in CIDR notation (e.g. "10.0.1.0/24")
// so that it round-trips through JSON without a custom marshaler.
type CIDR struct {
	ID        string
	Name      string
	Network   string
	ParentID  string // empty string means root
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InfraCIDRID is the well-known id of the special infrastructure CIDR;
// any peer inside it is reachable from, and can reach, every other peer.
const InfraCIDRID = "infra"

// Association grants mutual reachability between two CIDRs.
type Association struct {
	ID      string
	CIDRIDA string
	CIDRIDB string
}

// RelaySessionState is the lifecycle state of a relay session.
type RelaySessionState string

const (
	RelayStateNone        RelaySessionState = "none"
	RelayStateRequested   RelaySessionState = "requested"
	RelayStateEstablished RelaySessionState = "established"
	RelayStateClosed      RelaySessionState = "closed"
)

// RelaySession tracks a single relayed connection between two peers.
type RelaySession struct {
	SessionID       uint64
	SourcePubKey    [32]byte
	DestPubKey      [32]byte
	State           RelaySessionState
	LastSeen        time.Time
	HeartbeatSeq    uint32
	MissedHeartbeats int
	ClosedAt        *time.Time
}

// RelayCapability is a bitmask flag describing what a relay node supports.
type RelayCapability uint32

const (
	RelayCapIPv4 RelayCapability = 1 << iota
	RelayCapIPv6
	RelayCapTCPFallback
	RelayCapHighBandwidth
	RelayCapLowLatency
)

// RelayNodeRecord describes a relay candidate and its rolling performance.
type RelayNodeRecord struct {
	PubKey          [32]byte
	Endpoints       []string
	Region          string
	Capabilities    RelayCapability
	Load            uint8 // 0-100
	MaxSessions     uint32
	ProtocolVersion uint16
	Reliability     uint8 // 0-100, default 100
	LastResultAt    *time.Time
	PacketLoss      *uint8 // 0-100
}

// HasCapability reports whether the relay advertises cap.
func (r *RelayNodeRecord) HasCapability(cap RelayCapability) bool {
	return r.Capabilities&cap != 0
}

// UpdateReliability applies an 80/20 EMA toward 100 (success) or 0 (failure).
func (r *RelayNodeRecord) UpdateReliability(success bool) {
	result := 0.0
	if success {
		result = 100.0
	}
	updated := float64(r.Reliability)*0.8 + result*0.2
	r.Reliability = clampU8(updated)
	now := time.Now()
	r.LastResultAt = &now
}

// UpdatePacketLoss applies a 70/30 EMA, or sets the first measurement directly.
func (r *RelayNodeRecord) UpdatePacketLoss(loss uint8) {
	if loss > 100 {
		loss = 100
	}
	if r.PacketLoss == nil {
		r.PacketLoss = &loss
		return
	}
	updated := float64(*r.PacketLoss)*0.7 + float64(loss)*0.3
	v := clampU8(updated)
	r.PacketLoss = &v
}

func clampU8(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return uint8(v + 0.5)
}

// InstanceStatus is the lifecycle status of a provisioned VM instance.
type InstanceStatus string

const (
	InstanceStatusCreating InstanceStatus = "creating"
	InstanceStatusStarted  InstanceStatus = "started"
	InstanceStatusPaused   InstanceStatus = "paused"
	InstanceStatusStopped  InstanceStatus = "stopped"
	InstanceStatusFailed   InstanceStatus = "failed"
)

// GPUAssignment records a GPU bound to an instance.
type GPUAssignment struct {
	PCIAddress string
	IOMMUGroup string
	Model      string
}

// ResourceFootprint is the resource shape requested/consumed by an instance.
type ResourceFootprint struct {
	VCPU       int
	MemoryMB   int64
	DiskGB     int64
	GPUs       []GPUAssignment
}

// Instance is an opaque, provisioned VM.
type Instance struct {
	ID          string
	AccountID   string
	BuildID     string
	Status      InstanceStatus
	NodeID      string
	FormnetIP   net.IP
	Resources   ResourceFootprint
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ClusterMemberHealth is the health-observable state of a cluster member.
type ClusterMemberHealth string

const (
	MemberHealthy   ClusterMemberHealth = "healthy"
	MemberUnhealthy ClusterMemberHealth = "unhealthy"
	MemberUnknown   ClusterMemberHealth = "unknown"
)

// ClusterMember is one VM instance participating in a scaled cluster.
type ClusterMember struct {
	InstanceID         string
	NodeID             string
	NodePublicIP       net.IP
	NodeFormnetIP      net.IP
	InstanceFormnetIP  net.IP
	Status             ClusterMemberHealth
	LastHeartbeat      time.Time
	MissedHeartbeats   int
}

// ScalingPolicy bounds automatic cluster scaling.
type ScalingPolicy struct {
	MinInstances       int
	MaxInstances       int
	TargetUtilization  float64
	Cooldown           time.Duration
}

// Validate checks the policy's own invariants (min <= max, both non-negative).
func (p ScalingPolicy) Validate() error {
	if p.MinInstances < 0 || p.MaxInstances < 0 {
		return errInvalidPolicy("instance bounds must be non-negative")
	}
	if p.MinInstances > p.MaxInstances {
		return errInvalidPolicy("min_instances must be <= max_instances")
	}
	return nil
}

type policyError string

func (e policyError) Error() string { return string(e) }

func errInvalidPolicy(msg string) error { return policyError(msg) }

// ScalingPhase names a step of the recoverable scaling state machine.
type ScalingPhase string

const (
	PhaseIdle              ScalingPhase = "idle"
	PhaseSnapshotState     ScalingPhase = "snapshot_state"
	PhasePlanChanges       ScalingPhase = "plan_changes"
	PhaseAllocateResources ScalingPhase = "allocate_resources"
	PhaseProvisionInstances ScalingPhase = "provision_instances"
	PhaseNetworkConfigure  ScalingPhase = "network_configure"
	PhaseVerify            ScalingPhase = "verify"
	PhaseCommit            ScalingPhase = "commit"
	PhaseDone              ScalingPhase = "done"
	PhaseRollback          ScalingPhase = "rollback"
	PhaseVerifyRestoration ScalingPhase = "verify_restoration"
	PhaseFailed            ScalingPhase = "failed"
)

// IsTerminal reports whether the phase ends the scaling state machine.
func (p ScalingPhase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// ScalingOperation is the in-flight state of a recoverable scale operation.
type ScalingOperation struct {
	OperationID   string
	CurrentPhase  ScalingPhase
	RollbackFrom  ScalingPhase
	StartedAt     time.Time
	EndedAt       *time.Time
}

// Cluster is a set of VM instances scaled and managed as a unit.
type Cluster struct {
	ID                string
	Members           map[string]*ClusterMember // keyed by instance id
	TemplateInstanceID string
	ScalingPolicy     *ScalingPolicy
	ScalingManager    *ScalingOperation
	// NeedsIntervention is set when a scaling rollback's VerifyRestoration
	// gate fails (spec §4.8): automatic scaling halts on this cluster
	// until an operator clears it.
	NeedsIntervention bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SubscriptionStatus is the billing state of an account's subscription.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionTrial     SubscriptionStatus = "trial"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
)

// Subscription describes an account's recurring billing arrangement.
type Subscription struct {
	Tier   string
	Status SubscriptionStatus
	Quota  uint64
	Usage  uint64
}

// Account is an address-keyed billing identity.
type Account struct {
	Address      string
	Credits      uint64
	Subscription *Subscription
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Agent is a runnable task-serving workload owned by an account.
type Agent struct {
	ID        string
	OwnerID   string
	IsPrivate bool
	Metadata  map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SocketAddr is an {ip, port} pair published in a DNS record.
type SocketAddr struct {
	IP   net.IP
	Port uint16
}

// DNSRecord maps a domain name to one or more candidate socket addresses.
type DNSRecord struct {
	Domain        string
	Addresses     []SocketAddr
	Region        string
	HealthFiltered bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
