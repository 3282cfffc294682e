/*
Package types defines the core data structures shared by every
Formation component: the overlay membership model (Peer, CIDR,
Association), the relay protocol's session and node-record state, the
VM lifecycle model (Instance, GPUAssignment, ResourceFootprint), the
cluster scaling model (Cluster, ScalingPolicy, ScalingOperation), and
the billing/agent model (Account, Subscription, Agent) plus DNS
records.

# Design

Every type here is a plain struct: serializable as JSON without custom
marshalers (net.IP and time.Time already round-trip) and safe to store
directly in pkg/storage. The records carry no clock of their own:
pkg/crdt resolves concurrent writes last-writer-wins using the Clock
carried by each delta.

Enums are typed strings or small int constants (RelaySessionState,
InstanceStatus, ScalingPhase, SubscriptionStatus) so they serialize
legibly. Go does not check switches over them for exhaustiveness.

# Clock

Clock is the hybrid logical clock value CRDT deltas carry: a counter
paired with the writing actor's id. After breaks ties by actor id so
any two nodes order the same pair of writes identically without
coordination.
*/
package types
