package main

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/cuemby/formation/pkg/ferrors"
	"github.com/cuemby/formation/pkg/vmm"
)

// execRunner implements vmm.ProcessRunner by spawning qemu-system-x86_64
// directly, one process per VM, grounded on the embedded containerd
// manager's exec.CommandContext lifecycle (pkg/embedded/containerd.go).
type execRunner struct {
	mu   sync.Mutex
	cmds map[string]*exec.Cmd
}

func newExecRunner() *execRunner {
	return &execRunner{cmds: make(map[string]*exec.Cmd)}
}

func (r *execRunner) Launch(cfg vmm.VMConfig) error {
	args := []string{
		"-name", cfg.ID,
		"-m", fmt.Sprintf("%dM", cfg.MemoryMB),
		"-smp", fmt.Sprintf("%d", cfg.VCPU),
		"-drive", "file=" + cfg.DiskImagePath + ",format=qcow2,if=virtio",
		"-qmp", "unix:/run/formation/vmm/" + cfg.ID + ".qmp,server,nowait",
		"-nographic",
	}
	if cfg.FormnetTAP != "" {
		args = append(args, "-netdev", "tap,id=net0,ifname="+cfg.FormnetTAP+",script=no,downscript=no",
			"-device", "virtio-net-pci,netdev=net0,mac="+cfg.FormnetMAC)
	}
	for _, dev := range cfg.VFIODevices {
		args = append(args, "-device", "vfio-pci,sysfsdev="+dev)
	}
	if cfg.CloudInitISO != "" {
		args = append(args, "-drive", "file="+cfg.CloudInitISO+",format=raw,if=virtio,readonly=on")
	}

	cmd := exec.Command("qemu-system-x86_64", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return ferrors.Wrap(ferrors.KindInternal, "launch qemu for "+cfg.ID, err)
	}

	r.mu.Lock()
	r.cmds[cfg.ID] = cmd
	r.mu.Unlock()

	go cmd.Wait() // reap; exit status is observed via QMP status polling, not here

	return nil
}

func (r *execRunner) Signal(id string, graceful bool) error {
	r.mu.Lock()
	cmd, ok := r.cmds[id]
	r.mu.Unlock()
	if !ok {
		return ferrors.New(ferrors.KindNotFound, "no running process for "+id)
	}
	if graceful {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	return cmd.Process.Signal(syscall.SIGKILL)
}

func (r *execRunner) Remove(id string) error {
	r.mu.Lock()
	delete(r.cmds, id)
	r.mu.Unlock()
	return os.Remove("/run/formation/vmm/" + id + ".qmp")
}
