// Package vmm drives instance lifecycle against the underlying
// hypervisor: creating, booting, pausing, stopping and deleting VMs,
// and reconciling hypervisor-reported status back onto the recorded
// Instance record.
package vmm

import (
	"fmt"
	"strings"
	"time"

	"github.com/digitalocean/go-qemu/qmp"

	"github.com/cuemby/formation/pkg/ferrors"
)

// State is the hypervisor-reported run state of a VM, independent of
// Formation's own types.InstanceStatus (which also tracks states the
// hypervisor has no concept of, like GPU/IP allocation failures).
type State string

const (
	StateBooting State = "booting"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
	StateFailed  State = "failed"
)

// VMConfig is the composed configuration handed to the hypervisor for
// one instance, per spec §4.7 step 4.
type VMConfig struct {
	ID            string
	DiskImagePath string
	VCPU          int
	MemoryMB      int64
	FormnetTAP    string
	FormnetMAC    string
	VFIODevices   []string // /dev/vfio/<group> paths
	CloudInitISO  string
}

// Hypervisor is the subset of a Cloud-Hypervisor-equivalent REST API
// the VMM service drives. A concrete implementation talks to the local
// hypervisor's control socket; QEMUMonitorHypervisor below is one such
// implementation, used when the node runs QEMU/KVM directly.
type Hypervisor interface {
	Create(cfg VMConfig) error
	Boot(id string) error
	Pause(id string) error
	Stop(id string, timeout time.Duration) error
	Delete(id string) error
	Status(id string) (State, error)
}

// socketPath returns the per-VM QMP control socket path the hypervisor
// listens on, matching the one-socket-per-VM convention QEMU uses.
func socketPath(id string) string {
	return fmt.Sprintf("/run/formation/vmm/%s.qmp", id)
}

// QEMUMonitorHypervisor implements Hypervisor against a locally running
// QEMU/KVM process per VM, using go-qemu's QMP monitor for the status
// polling path (the same query-status exchange a Cloud-Hypervisor REST
// client would wrap behind a JSON endpoint).
type QEMUMonitorHypervisor struct {
	runner ProcessRunner
}

// ProcessRunner starts and terminates the per-VM hypervisor process;
// abstracted so tests can substitute a fake without spawning real VMs.
type ProcessRunner interface {
	Launch(cfg VMConfig) error
	Signal(id string, graceful bool) error
	Remove(id string) error
}

// NewQEMUMonitorHypervisor constructs a Hypervisor backed by runner for
// process lifecycle and QMP for status.
func NewQEMUMonitorHypervisor(runner ProcessRunner) *QEMUMonitorHypervisor {
	return &QEMUMonitorHypervisor{runner: runner}
}

func (h *QEMUMonitorHypervisor) Create(cfg VMConfig) error {
	if err := h.runner.Launch(cfg); err != nil {
		return ferrors.Wrap(ferrors.KindInternal, "launch hypervisor process for "+cfg.ID, err)
	}
	return nil
}

func (h *QEMUMonitorHypervisor) Boot(id string) error {
	// The runner launches the process already-booting; Boot is a no-op
	// continuation point kept for hypervisors that separate create from
	// first boot (e.g. resuming from a paused snapshot).
	return nil
}

func (h *QEMUMonitorHypervisor) Pause(id string) error {
	mon, err := h.connect(id)
	if err != nil {
		return err
	}
	defer mon.Disconnect()
	_, err = mon.Run([]byte(`{"execute":"stop"}`))
	if err != nil {
		return ferrors.Wrap(ferrors.KindInternal, "pause "+id, err)
	}
	return nil
}

func (h *QEMUMonitorHypervisor) Stop(id string, timeout time.Duration) error {
	if err := h.runner.Signal(id, true); err != nil {
		return ferrors.Wrap(ferrors.KindInternal, "graceful stop "+id, err)
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		state, err := h.Status(id)
		if err == nil && state == StateStopped {
			return nil
		}
		time.Sleep(250 * time.Millisecond)
	}
	if err := h.runner.Signal(id, false); err != nil {
		return ferrors.Wrap(ferrors.KindInternal, "force stop "+id, err)
	}
	return nil
}

func (h *QEMUMonitorHypervisor) Delete(id string) error {
	if err := h.runner.Remove(id); err != nil {
		return ferrors.Wrap(ferrors.KindInternal, "remove "+id, err)
	}
	return nil
}

func (h *QEMUMonitorHypervisor) Status(id string) (State, error) {
	mon, err := h.connect(id)
	if err != nil {
		return StateFailed, err
	}
	defer mon.Disconnect()

	resp, err := mon.Run([]byte(`{"execute":"query-status"}`))
	if err != nil {
		return StateFailed, ferrors.Wrap(ferrors.KindUnavailable, "query-status "+id, err)
	}
	return parseQMPStatus(resp), nil
}

func (h *QEMUMonitorHypervisor) connect(id string) (*qmp.SocketMonitor, error) {
	mon, err := qmp.NewSocketMonitor("unix", socketPath(id), 2*time.Second)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.KindUnavailable, "connect qmp socket for "+id, err)
	}
	if err := mon.Connect(); err != nil {
		return nil, ferrors.Wrap(ferrors.KindUnavailable, "qmp handshake for "+id, err)
	}
	return mon, nil
}

// parseQMPStatus maps a raw QMP query-status response body onto our
// State enum; a minimal substring scan is used rather than a full JSON
// schema since QMP's response shape differs subtly across QEMU
// versions but the status string values themselves are stable.
func parseQMPStatus(resp []byte) State {
	s := string(resp)
	switch {
	case strings.Contains(s, "running"):
		return StateRunning
	case strings.Contains(s, "paused"), strings.Contains(s, "suspended"):
		return StatePaused
	case strings.Contains(s, "shutdown"), strings.Contains(s, "postmigrate"):
		return StateStopped
	default:
		return StateFailed
	}
}
