package vmm

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
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

// FormnetAllocator hands out and reclaims an instance's own formnet
// address, independent of whatever allocator the cluster controller
// uses for member-level addresses (a single provision.SequentialIPAllocator
// satisfies both in cmd/formationd).
type FormnetAllocator interface {
	Allocate(cidrID string) (net.IP, error)
	Release(ip net.IP) error
}

// GPUAllocator is the C6 integration point: allocate binds the
// requested GPUs to vmID and returns their /dev/vfio/<group> paths.
type GPUAllocator interface {
	Allocate(vmID string, reqs []gpu.Request) ([]gpu.Allocation, error)
	Bind(allocs []gpu.Allocation) ([]string, error)
	Release(vmID string) error
}

// ManagerConfig bundles a Manager's collaborators.
type ManagerConfig struct {
	Store       storage.Store
	Hypervisor  Hypervisor
	IPAllocator FormnetAllocator
	GPU         GPUAllocator // optional; nil disables GPU passthrough
	ImagesDir   string       // directory holding built disk images, named <build_id>.img
	FormnetCIDR string
}

// Manager implements the C7 VMM service end to end (spec §4.7): given a
// build id, it resolves the disk image, allocates the instance's
// formnet address and any requested GPUs, composes a VMConfig, drives
// the Hypervisor through create/boot, and publishes the resulting
// Instance record — then exposes pause/stop/delete against the same
// record. It is the standalone counterpart to pkg/provision's
// cluster.Provisioner adapter: this Manager is what cmd/formationd's
// VMM HTTP listener (port 3002, SPEC_FULL.md §8) drives directly,
// independent of cluster scaling operations.
type Manager struct {
	store       storage.Store
	hv          Hypervisor
	ipAlloc     FormnetAllocator
	gpuAlloc    GPUAllocator
	imagesDir   string
	formnetCIDR string
	logger      zerolog.Logger
}

// NewManager constructs a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		store:       cfg.Store,
		hv:          cfg.Hypervisor,
		ipAlloc:     cfg.IPAllocator,
		gpuAlloc:    cfg.GPU,
		imagesDir:   cfg.ImagesDir,
		formnetCIDR: cfg.FormnetCIDR,
		logger:      log.WithComponent("vmm"),
	}
}

// CreateRequest is the VMM service's create payload (spec §4.7 steps 1-4).
type CreateRequest struct {
	AccountID   string
	BuildID     string
	NodeID      string
	VCPU        int
	MemoryMB    int64
	DiskGB      int64
	GPURequests []gpu.Request
}

// Create resolves req.BuildID into a disk image path, allocates a
// formnet IP from the owning CIDR, allocates and binds any requested
// GPUs, composes the VM config, publishes the Instance in state
// Creating, boots it, and transitions to Started — or Failed, releasing
// whatever it acquired, on any failure (spec §4.7 step 5).
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*types.Instance, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.InstanceCreateDuration)

	instanceID := uuid.NewString()

	ip, err := m.ipAlloc.Allocate(m.formnetCIDR)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindUnavailable, "allocating formnet ip", err)
	}

	var gpuAssignments []types.GPUAssignment
	var vfioDevices []string
	if len(req.GPURequests) > 0 {
		if m.gpuAlloc == nil {
			_ = m.ipAlloc.Release(ip)
			return nil, ferrors.New(ferrors.KindUnavailable, "gpu passthrough requested but no gpu allocator configured")
		}
		allocs, err := m.gpuAlloc.Allocate(instanceID, req.GPURequests)
		if err != nil {
			_ = m.ipAlloc.Release(ip)
			return nil, err
		}
		vfioDevices, err = m.gpuAlloc.Bind(allocs)
		if err != nil {
			_ = m.gpuAlloc.Release(instanceID)
			_ = m.ipAlloc.Release(ip)
			return nil, ferrors.Wrap(ferrors.KindUnavailable, "binding allocated gpus", err)
		}
		for _, a := range allocs {
			gpuAssignments = append(gpuAssignments, types.GPUAssignment{
				PCIAddress: a.PCIAddress,
				IOMMUGroup: a.IOMMUGroup,
				Model:      string(a.Model),
			})
		}
	}

	now := time.Now()
	resources := types.ResourceFootprint{
		VCPU:     req.VCPU,
		MemoryMB: req.MemoryMB,
		DiskGB:   req.DiskGB,
		GPUs:     gpuAssignments,
	}
	instance := &types.Instance{
		ID:        instanceID,
		AccountID: req.AccountID,
		BuildID:   req.BuildID,
		Status:    types.InstanceStatusCreating,
		NodeID:    req.NodeID,
		FormnetIP: ip,
		Resources: resources,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.CreateInstance(instance); err != nil {
		m.releaseAll(instanceID, ip, len(gpuAssignments) > 0)
		return nil, fmt.Errorf("persisting instance %s: %w", instanceID, err)
	}

	cfg := VMConfig{
		ID:            instanceID,
		DiskImagePath: filepath.Join(m.imagesDir, req.BuildID+".img"),
		VCPU:          req.VCPU,
		MemoryMB:      req.MemoryMB,
		FormnetMAC:    macFromIP(ip),
		VFIODevices:   vfioDevices,
	}

	if err := m.hv.Create(cfg); err != nil {
		m.failAndRelease(instance, ip, len(gpuAssignments) > 0)
		return nil, ferrors.Wrap(ferrors.KindInternal, "create vm "+instanceID, err)
	}
	if err := m.hv.Boot(instanceID); err != nil {
		_ = m.hv.Delete(instanceID)
		m.failAndRelease(instance, ip, len(gpuAssignments) > 0)
		return nil, ferrors.Wrap(ferrors.KindInternal, "boot vm "+instanceID, err)
	}

	instance.Status = types.InstanceStatusStarted
	instance.UpdatedAt = time.Now()
	if err := m.store.UpdateInstance(instance); err != nil {
		return nil, fmt.Errorf("marking instance %s started: %w", instanceID, err)
	}

	m.logger.Info().Str("instance_id", instanceID).Str("build_id", req.BuildID).Str("formnet_ip", ip.String()).Msg("created instance")
	return instance, nil
}

// failAndRelease marks instance Failed in the store (best effort) and
// releases the formnet IP and any GPU allocation.
func (m *Manager) failAndRelease(instance *types.Instance, ip net.IP, hasGPUs bool) {
	instance.Status = types.InstanceStatusFailed
	instance.UpdatedAt = time.Now()
	if err := m.store.UpdateInstance(instance); err != nil {
		m.logger.Warn().Err(err).Str("instance_id", instance.ID).Msg("marking instance failed")
	}
	m.releaseAll(instance.ID, ip, hasGPUs)
}

func (m *Manager) releaseAll(instanceID string, ip net.IP, hasGPUs bool) {
	if ip != nil {
		_ = m.ipAlloc.Release(ip)
	}
	if hasGPUs && m.gpuAlloc != nil {
		_ = m.gpuAlloc.Release(instanceID)
	}
}

// Start boots a previously created-but-stopped instance.
func (m *Manager) Start(ctx context.Context, id string) (*types.Instance, error) {
	instance, err := m.store.GetInstance(id)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindNotFound, "instance "+id, err)
	}
	if err := m.hv.Boot(id); err != nil {
		return nil, ferrors.Wrap(ferrors.KindInternal, "start vm "+id, err)
	}
	instance.Status = types.InstanceStatusStarted
	instance.UpdatedAt = time.Now()
	if err := m.store.UpdateInstance(instance); err != nil {
		return nil, fmt.Errorf("persisting start of %s: %w", id, err)
	}
	return instance, nil
}

// Pause suspends a running instance without releasing its resources.
func (m *Manager) Pause(ctx context.Context, id string) (*types.Instance, error) {
	instance, err := m.store.GetInstance(id)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindNotFound, "instance "+id, err)
	}
	if err := m.hv.Pause(id); err != nil {
		return nil, ferrors.Wrap(ferrors.KindInternal, "pause vm "+id, err)
	}
	instance.Status = types.InstanceStatusPaused
	instance.UpdatedAt = time.Now()
	if err := m.store.UpdateInstance(instance); err != nil {
		return nil, fmt.Errorf("persisting pause of %s: %w", id, err)
	}
	return instance, nil
}

// Stop gracefully stops an instance, falling back to a forced stop past
// its timeout (Hypervisor.Stop's responsibility), without releasing its
// formnet IP or GPUs — those stay reserved until Delete.
func (m *Manager) Stop(ctx context.Context, id string, timeout time.Duration) (*types.Instance, error) {
	instance, err := m.store.GetInstance(id)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindNotFound, "instance "+id, err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := m.hv.Stop(id, timeout); err != nil {
		return nil, ferrors.Wrap(ferrors.KindInternal, "stop vm "+id, err)
	}
	instance.Status = types.InstanceStatusStopped
	instance.UpdatedAt = time.Now()
	if err := m.store.UpdateInstance(instance); err != nil {
		return nil, fmt.Errorf("persisting stop of %s: %w", id, err)
	}
	return instance, nil
}

// Delete stops (if necessary) and destroys the VM, releases its
// formnet IP and any bound GPUs, and removes the Instance record.
func (m *Manager) Delete(ctx context.Context, id string) error {
	instance, err := m.store.GetInstance(id)
	if err != nil {
		return ferrors.Wrap(ferrors.KindNotFound, "instance "+id, err)
	}

	if err := m.hv.Stop(id, 10*time.Second); err != nil {
		m.logger.Warn().Err(err).Str("instance_id", id).Msg("graceful stop failed before delete, deleting anyway")
	}
	if err := m.hv.Delete(id); err != nil {
		return ferrors.Wrap(ferrors.KindInternal, "delete vm "+id, err)
	}

	m.releaseAll(id, instance.FormnetIP, len(instance.Resources.GPUs) > 0)

	if err := m.store.DeleteInstance(id); err != nil {
		return fmt.Errorf("removing instance record %s: %w", id, err)
	}
	m.logger.Info().Str("instance_id", id).Msg("deleted instance")
	return nil
}

// Get returns the Instance as recorded in the store. It does not query
// the hypervisor; Reconcile brings recorded statuses in line with it.
func (m *Manager) Get(ctx context.Context, id string) (*types.Instance, error) {
	instance, err := m.store.GetInstance(id)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindNotFound, "instance "+id, err)
	}
	return instance, nil
}

// List returns every recorded Instance.
func (m *Manager) List(ctx context.Context) ([]*types.Instance, error) {
	return m.store.ListInstances()
}

// Reconcile polls the hypervisor for every Started/Paused instance's
// live status and corrects the recorded status on drift, without
// touching instances already Creating, Stopped or Failed (those
// transitions are owned by Create/Stop/Delete themselves).
func (m *Manager) Reconcile(ctx context.Context) error {
	instances, err := m.store.ListInstances()
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if inst.Status != types.InstanceStatusStarted && inst.Status != types.InstanceStatusPaused {
			continue
		}
		state, err := m.hv.Status(inst.ID)
		if err != nil {
			m.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("reconciling instance status")
			continue
		}
		want := instanceStatusFromState(state)
		if want != "" && want != inst.Status {
			inst.Status = want
			inst.UpdatedAt = time.Now()
			if err := m.store.UpdateInstance(inst); err != nil {
				m.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("persisting reconciled status")
			}
		}
	}
	return nil
}

// instanceStatusFromState maps the hypervisor-reported State onto our
// recorded InstanceStatus; StateBooting has no direct counterpart once
// an instance is already Started/Paused, so it maps to no change.
func instanceStatusFromState(s State) types.InstanceStatus {
	switch s {
	case StateRunning:
		return types.InstanceStatusStarted
	case StatePaused:
		return types.InstanceStatusPaused
	case StateStopped:
		return types.InstanceStatusStopped
	case StateFailed:
		return types.InstanceStatusFailed
	default:
		return ""
	}
}

// macFromIP derives a locally-administered MAC address from an IPv4
// formnet address so each instance's TAP interface gets a stable,
// collision-free MAC without a separate allocation table (mirrors
// pkg/provision's VMProvisioner).
func macFromIP(ip net.IP) string {
	v4 := ip.To4()
	if v4 == nil {
		return "02:00:00:00:00:01"
	}
	return fmt.Sprintf("02:00:%02x:%02x:%02x:%02x", v4[0], v4[1], v4[2], v4[3])
}
