package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/formation/pkg/log"
	"github.com/cuemby/formation/pkg/types"
)

// UtilizationProvider reports a cluster's current utilization as a
// fraction in [0, 1], used by the trigger loop to decide whether to
// scale. Implementations typically average recent CPU/memory/GPU
// occupancy across the cluster's members.
type UtilizationProvider func(ctx context.Context, cl *types.Cluster) (float64, error)

// triggerMargin is how far utilization must stray from a policy's
// TargetUtilization before the scheduler acts, to avoid oscillation
// around the target.
const triggerMargin = 0.10

// Scheduler periodically evaluates every cluster's ScalingPolicy against
// its observed utilization and drives Controller.Scale when the policy's
// bounds and cooldown allow it.
type Scheduler struct {
	ctrl     *Controller
	listAll  func() ([]*types.Cluster, error)
	utilOf   UtilizationProvider
	interval time.Duration

	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}
}

// NewScheduler builds a Scheduler driving ctrl. listAll enumerates every
// cluster under automatic management; utilOf reports a cluster's current
// utilization. interval defaults to 5 seconds when zero, matching the
// cadence of other periodic control loops in this codebase.
func NewScheduler(ctrl *Controller, listAll func() ([]*types.Cluster, error), utilOf UtilizationProvider, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scheduler{
		ctrl:     ctrl,
		listAll:  listAll,
		utilOf:   utilOf,
		interval: interval,
		logger:   log.WithComponent("cluster-scheduler"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the scheduler loop in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop terminates the scheduler loop.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evaluate(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// evaluate runs one scaling-trigger pass over every managed cluster.
func (s *Scheduler) evaluate(ctx context.Context) {
	clusters, err := s.listAll()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list clusters for scaling evaluation")
		return
	}
	for _, cl := range clusters {
		s.evaluateOne(ctx, cl)
	}
}

func (s *Scheduler) evaluateOne(ctx context.Context, cl *types.Cluster) {
	policy := cl.ScalingPolicy
	if policy == nil || cl.NeedsIntervention {
		return
	}
	if op := cl.ScalingManager; op != nil && op.CurrentPhase != "" && !op.CurrentPhase.IsTerminal() {
		return // an operation is already in flight for this cluster
	}
	if op := cl.ScalingManager; op != nil && op.EndedAt != nil && time.Since(*op.EndedAt) < policy.Cooldown {
		return // still within cooldown since the last operation
	}

	util, err := s.utilOf(ctx, cl)
	if err != nil {
		s.logger.Error().Err(err).Str("cluster_id", cl.ID).Msg("failed to read cluster utilization")
		return
	}

	delta := s.decide(cl, policy, util)
	if delta == 0 {
		return
	}

	logger := s.logger.With().Str("cluster_id", cl.ID).Float64("utilization", util).Int("delta", delta).Logger()
	logger.Info().Msg("triggering automatic scaling operation")
	if _, err := s.ctrl.Scale(ctx, cl.ID, delta); err != nil {
		logger.Error().Err(err).Msg("automatic scaling operation failed")
	}
}

func (s *Scheduler) decide(cl *types.Cluster, policy *types.ScalingPolicy, util float64) int {
	members := len(cl.Members)
	switch {
	case util > policy.TargetUtilization+triggerMargin && members < policy.MaxInstances:
		return 1
	case util < policy.TargetUtilization-triggerMargin && members > policy.MinInstances:
		return -1
	default:
		return 0
	}
}
