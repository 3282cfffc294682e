// Package provision implements the C7 instance-lifecycle integration
// point cluster.Controller drives: resolving a build id to a disk
// image, allocating the instance's own formnet address, composing a
// vmm.VMConfig, and publishing the resulting Instance record (spec
// §4.7's VM creation flow, adapted as a cluster.Provisioner).
package provision

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/formation/pkg/cluster"
	"github.com/cuemby/formation/pkg/ferrors"
	"github.com/cuemby/formation/pkg/log"
	"github.com/cuemby/formation/pkg/storage"
	"github.com/cuemby/formation/pkg/types"
	"github.com/cuemby/formation/pkg/vmm"
)

// FormnetAllocator hands out and reclaims the formnet address given to
// an instance itself (distinct from cluster.IPAllocator, which the
// controller uses for the owning node's address). A single IPAllocator
// implementation satisfies both interfaces.
type FormnetAllocator interface {
	Allocate(cidrID string) (net.IP, error)
	Release(ip net.IP) error
}

// VMProvisioner implements cluster.Provisioner against a local
// Hypervisor, grounded on the vmm package's Create/Boot/Stop/Delete
// lifecycle.
type VMProvisioner struct {
	store       storage.Store
	hv          vmm.Hypervisor
	ipAlloc     FormnetAllocator
	imagesDir   string
	formnetCIDR string
	logger      zerolog.Logger
}

// Config bundles a VMProvisioner's collaborators.
type Config struct {
	Store       storage.Store
	Hypervisor  vmm.Hypervisor
	IPAllocator FormnetAllocator
	ImagesDir   string // directory holding built disk images, named <build_id>.img
	FormnetCIDR string
}

// NewVMProvisioner constructs a VMProvisioner.
func NewVMProvisioner(cfg Config) *VMProvisioner {
	return &VMProvisioner{
		store:       cfg.Store,
		hv:          cfg.Hypervisor,
		ipAlloc:     cfg.IPAllocator,
		imagesDir:   cfg.ImagesDir,
		formnetCIDR: cfg.FormnetCIDR,
		logger:      log.WithComponent("provision"),
	}
}

// Provision resolves req.BuildID to a disk image, allocates the
// instance's formnet address, boots it, and records the Instance.
func (p *VMProvisioner) Provision(ctx context.Context, req cluster.ProvisionRequest) (*types.Instance, error) {
	instanceID := uuid.NewString()

	ip, err := p.ipAlloc.Allocate(p.formnetCIDR)
	if err != nil {
		return nil, fmt.Errorf("allocating instance formnet ip: %w", err)
	}

	vfio := make([]string, 0, len(req.Resources.GPUs))
	for _, g := range req.Resources.GPUs {
		vfio = append(vfio, "/dev/vfio/"+g.IOMMUGroup)
	}

	cfg := vmm.VMConfig{
		ID:            instanceID,
		DiskImagePath: filepath.Join(p.imagesDir, req.BuildID+".img"),
		VCPU:          req.Resources.VCPU,
		MemoryMB:      req.Resources.MemoryMB,
		FormnetMAC:    macFromIP(ip),
		VFIODevices:   vfio,
	}

	if err := p.hv.Create(cfg); err != nil {
		_ = p.ipAlloc.Release(ip)
		return nil, ferrors.Wrap(ferrors.KindInternal, "create vm for "+instanceID, err)
	}
	if err := p.hv.Boot(instanceID); err != nil {
		_ = p.hv.Delete(instanceID)
		_ = p.ipAlloc.Release(ip)
		return nil, ferrors.Wrap(ferrors.KindInternal, "boot vm "+instanceID, err)
	}

	now := time.Now()
	instance := &types.Instance{
		ID:        instanceID,
		BuildID:   req.BuildID,
		Status:    types.InstanceStatusStarted,
		NodeID:    req.NodeID,
		FormnetIP: ip,
		Resources: req.Resources,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.store.CreateInstance(instance); err != nil {
		return nil, fmt.Errorf("persisting instance %s: %w", instanceID, err)
	}

	p.logger.Info().Str("instance_id", instanceID).Str("build_id", req.BuildID).Str("formnet_ip", ip.String()).Msg("provisioned instance")
	return instance, nil
}

// Destroy stops and deletes the VM, releases its formnet address, and
// removes the Instance record.
func (p *VMProvisioner) Destroy(ctx context.Context, instanceID string) error {
	instance, err := p.store.GetInstance(instanceID)
	if err != nil {
		return fmt.Errorf("looking up instance %s for destroy: %w", instanceID, err)
	}

	if err := p.hv.Stop(instanceID, 10*time.Second); err != nil {
		p.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("graceful stop failed, deleting anyway")
	}
	if err := p.hv.Delete(instanceID); err != nil {
		return ferrors.Wrap(ferrors.KindInternal, "delete vm "+instanceID, err)
	}

	if instance.FormnetIP != nil {
		if err := p.ipAlloc.Release(instance.FormnetIP); err != nil {
			p.logger.Warn().Err(err).Str("instance_id", instanceID).Msg("failed to release instance formnet ip")
		}
	}

	if err := p.store.DeleteInstance(instanceID); err != nil {
		return fmt.Errorf("removing instance record %s: %w", instanceID, err)
	}
	return nil
}

// macFromIP derives a locally-administered MAC address from an IPv4
// formnet address so each instance's TAP interface gets a stable,
// collision-free MAC without a separate allocation table.
func macFromIP(ip net.IP) string {
	v4 := ip.To4()
	if v4 == nil {
		return "02:00:00:00:00:01"
	}
	return fmt.Sprintf("02:00:%02x:%02x:%02x:%02x", v4[0], v4[1], v4[2], v4[3])
}
