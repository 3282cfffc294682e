package cluster

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/formation/pkg/ferrors"
	"github.com/cuemby/formation/pkg/gpu"
	"github.com/cuemby/formation/pkg/log"
	"github.com/cuemby/formation/pkg/metrics"
	"github.com/cuemby/formation/pkg/storage"
	"github.com/cuemby/formation/pkg/types"
)

// ProvisionRequest describes one new cluster member to bring up.
type ProvisionRequest struct {
	ClusterID string
	NodeID    string
	BuildID   string
	Resources types.ResourceFootprint

	// allocatedIP is filled in by allocateResources and consumed by
	// provisionInstances; callers constructing a ProvisionRequest
	// directly need not set it.
	allocatedIP net.IP
}

// Provisioner is the C7 integration point: it creates and destroys the
// VM instances backing cluster members.
type Provisioner interface {
	Provision(ctx context.Context, req ProvisionRequest) (*types.Instance, error)
	Destroy(ctx context.Context, instanceID string) error
}

// IPAllocator hands out and reclaims formnet addresses for new members.
type IPAllocator interface {
	Allocate(cidrID string) (net.IP, error)
	Release(ip net.IP) error
}

// GPUAllocator is the C6 integration point used when a provisioned
// member's resource footprint requests GPUs.
type GPUAllocator interface {
	Allocate(vmName string, reqs []gpu.Request) ([]gpu.Allocation, error)
	Release(vmName string) error
}

// HealthProbe reports whether a freshly provisioned member is healthy,
// used by the Verify phase.
type HealthProbe func(ctx context.Context, member *types.ClusterMember) bool

// Config bundles a Controller's collaborators. Provisioner and
// IPAllocator are required; GPUAllocator and Probe may be nil (no GPU
// requests supported / health always assumed true, respectively).
type Config struct {
	Store           storage.Store
	Provisioner     Provisioner
	IPAllocator     IPAllocator
	GPUAllocator    GPUAllocator
	Probe           HealthProbe
	FormnetCIDR     string                  // CIDR id new members' formnet IPs are drawn from
	MemberResources types.ResourceFootprint // resource shape applied to every newly added member
	GPURequests     []gpu.Request           // GPU requests applied to every newly added member, if any
}

// Controller runs cluster scaling operations as the recoverable,
// multi-phase state machine in spec §4.8.
type Controller struct {
	cfg    Config
	logger zerolog.Logger

	mu      sync.Mutex
	running map[string]bool // clusterID -> operation in flight
}

// NewController constructs a Controller. Store and Provisioner and
// IPAllocator must be non-nil.
func NewController(cfg Config) *Controller {
	if cfg.Probe == nil {
		cfg.Probe = func(context.Context, *types.ClusterMember) bool { return true }
	}
	return &Controller{cfg: cfg, logger: log.WithComponent("cluster"), running: make(map[string]bool)}
}

func (c *Controller) lockCluster(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running[id] {
		return false
	}
	c.running[id] = true
	return true
}

func (c *Controller) unlockCluster(id string) {
	c.mu.Lock()
	delete(c.running, id)
	c.mu.Unlock()
}

// rollbackResources accumulates the side effects a rollback must undo:
// IPs and GPU allocations reserved, and instances provisioned, by
// phases at or before the failing phase.
type rollbackResources struct {
	allocatedIPs  []net.IP
	gpuVMNames    []string
	provisioned   []string // instance ids
	cleanedAssets []string // ids considered cleaned for VerifyRestoration's resource-cleanup check
}

// Scale runs one scaling operation against cluster clusterID, adding
// delta members (delta < 0 removes |delta| members). It returns the
// terminal RestorationVerificationResult only when the operation failed
// and rolled back; nil on a successful Done.
func (c *Controller) Scale(ctx context.Context, clusterID string, delta int) (*RestorationVerificationResult, error) {
	if !c.lockCluster(clusterID) {
		return nil, ferrors.New(ferrors.KindConflict, "a scaling operation is already in progress for this cluster")
	}
	defer c.unlockCluster(clusterID)

	cl, err := c.cfg.Store.GetCluster(clusterID)
	if err != nil {
		return nil, err
	}
	if cl.NeedsIntervention {
		return nil, ferrors.New(ferrors.KindFatal, "cluster requires manual intervention; automatic scaling halted")
	}

	opID := uuid.NewString()
	op := &types.ScalingOperation{OperationID: opID, CurrentPhase: types.PhaseIdle, StartedAt: time.Now()}
	cl.ScalingManager = op
	if err := c.cfg.Store.PutCluster(cl); err != nil {
		return nil, err
	}

	logger := c.logger.With().Str("operation_id", opID).Str("cluster_id", clusterID).Int("delta", delta).Logger()
	logger.Info().Msg("starting scaling operation")

	// dnsRecords resolving to a member's formnet IP, captured once up front
	// so the pre- and post-rollback snapshots compare against the same set.
	dnsRecords := c.relevantDNSRecords(cl)
	res := &rollbackResources{}

	setPhase := func(p types.ScalingPhase) {
		op.CurrentPhase = p
		cl.ScalingManager = op
		_ = c.cfg.Store.PutCluster(cl)
	}

	timed := func(phase types.ScalingPhase, fn func() error) error {
		timer := metrics.NewTimer()
		err := fn()
		timer.ObserveDurationVec(metrics.ScalingPhaseDuration, string(phase))
		return err
	}

	setPhase(types.PhaseSnapshotState)
	preBefore := snapshotState(opID, cl, dnsRecords)

	setPhase(types.PhasePlanChanges)
	plan, err := c.planChanges(cl, delta)
	if err != nil {
		return c.failAndRollback(ctx, cl, preBefore, types.PhasePlanChanges, res, err, logger)
	}

	setPhase(types.PhaseAllocateResources)
	if err := timed(types.PhaseAllocateResources, func() error { return c.allocateResources(plan, res) }); err != nil {
		return c.failAndRollback(ctx, cl, preBefore, types.PhaseAllocateResources, res, err, logger)
	}

	setPhase(types.PhaseProvisionInstances)
	var newMembers []*types.ClusterMember
	if err := timed(types.PhaseProvisionInstances, func() error {
		var provErr error
		newMembers, provErr = c.provisionInstances(ctx, cl, plan, res)
		return provErr
	}); err != nil {
		return c.failAndRollback(ctx, cl, preBefore, types.PhaseProvisionInstances, res, err, logger)
	}

	setPhase(types.PhaseNetworkConfigure)
	if err := timed(types.PhaseNetworkConfigure, func() error { return c.networkConfigure(cl, plan, newMembers) }); err != nil {
		return c.failAndRollback(ctx, cl, preBefore, types.PhaseNetworkConfigure, res, err, logger)
	}

	setPhase(types.PhaseVerify)
	if err := timed(types.PhaseVerify, func() error { return c.verifyNewMembers(ctx, newMembers) }); err != nil {
		return c.failAndRollback(ctx, cl, preBefore, types.PhaseVerify, res, err, logger)
	}

	setPhase(types.PhaseCommit)
	now := time.Now()
	op.EndedAt = &now
	setPhase(types.PhaseDone)
	metrics.ScalingOperationsTotal.WithLabelValues("done").Inc()
	logger.Info().Msg("scaling operation committed")
	return nil, nil
}

// failAndRollback transitions into Rollback{phase}, undoes every effect
// of phases <= phase in reverse order, runs VerifyRestoration, and
// marks the cluster Failed (and needs-intervention on a failed
// restoration, spec §4.8).
func (c *Controller) failAndRollback(
	ctx context.Context,
	cl *types.Cluster,
	pre *Snapshot,
	failedPhase types.ScalingPhase,
	res *rollbackResources,
	cause error,
	logger zerolog.Logger,
) (*RestorationVerificationResult, error) {
	op := cl.ScalingManager
	op.RollbackFrom = failedPhase
	op.CurrentPhase = types.PhaseRollback
	_ = c.cfg.Store.PutCluster(cl)
	metrics.ScalingOperationsTotal.WithLabelValues("failed").Inc()
	logger.Warn().Str("failed_phase", string(failedPhase)).Err(cause).Msg("rolling back scaling operation")

	// Undo in reverse order: newly provisioned instances, then reserved
	// IPs/GPUs, then DNS, then membership.
	for _, id := range res.provisioned {
		if err := c.cfg.Provisioner.Destroy(ctx, id); err != nil {
			logger.Error().Err(err).Str("instance_id", id).Msg("failed to destroy provisioned instance during rollback")
		} else {
			res.cleanedAssets = append(res.cleanedAssets, id)
		}
	}
	for _, name := range res.gpuVMNames {
		if c.cfg.GPUAllocator != nil {
			if err := c.cfg.GPUAllocator.Release(name); err != nil {
				logger.Error().Err(err).Str("vm", name).Msg("failed to release gpus during rollback")
			}
		}
	}
	for _, ip := range res.allocatedIPs {
		if err := c.cfg.IPAllocator.Release(ip); err != nil {
			logger.Error().Err(err).Str("ip", ip.String()).Msg("failed to release ip during rollback")
		} else {
			res.cleanedAssets = append(res.cleanedAssets, "ip-"+ip.String())
		}
	}
	for domain, rec := range pre.DNSRecords {
		if err := c.cfg.Store.PutDNSRecord(rec); err != nil {
			logger.Error().Err(err).Str("domain", domain).Msg("failed to restore dns record during rollback")
		}
	}

	// Restore membership from the pre-operation snapshot.
	cl.Members = pre.Members
	op.CurrentPhase = types.PhaseVerifyRestoration
	_ = c.cfg.Store.PutCluster(cl)

	result := VerifyRestoration(cl, pre.Members, pre.DNSRecords, res.cleanedAssets, time.Now().Unix())
	if result.Success {
		op.CurrentPhase = types.PhaseFailed
		now := time.Now()
		op.EndedAt = &now
		cl.ScalingManager = op
		_ = c.cfg.Store.PutCluster(cl)
		metrics.RollbacksTotal.WithLabelValues("true").Inc()
		logger.Info().Str("summary", result.Summary()).Msg("rollback restoration verified")
	} else {
		op.CurrentPhase = types.PhaseFailed
		now := time.Now()
		op.EndedAt = &now
		cl.ScalingManager = op
		cl.NeedsIntervention = true
		_ = c.cfg.Store.PutCluster(cl)
		metrics.RollbacksTotal.WithLabelValues("false").Inc()
		logger.Error().Str("summary", result.Summary()).Msg("rollback restoration FAILED; cluster needs manual intervention")
	}

	return result, fmt.Errorf("scaling operation failed at phase %s: %w", failedPhase, cause)
}
