// Package gpu enumerates host PCIe GPUs, infers their model, and binds
// them to the VFIO passthrough driver for VM assignment.
//
// Device enumeration, vendor/model inference, and the bind/unbind sysfs
// sequence are grounded on
// original_source/form-vmm/vmm-service/src/gpu.rs: class-code filtering
// (0x0300xx/0x0301xx/0x0302xx), vendor-ID table (10de/1002/8086), and
// substring-then-vendor-fallback model inference. The allocator's
// allocate-all-or-nothing-per-request semantics and process-wide mutex
// around "allocate + record binding" matches spec §5's concurrency model.
package gpu

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/cuemby/formation/pkg/ferrors"
	"github.com/cuemby/formation/pkg/log"
	"github.com/cuemby/formation/pkg/metrics"
)

// Model is one of the small closed set of GPU models Formation schedules.
type Model string

const (
	ModelRTX5090 Model = "RTX5090"
	ModelH100    Model = "H100"
	ModelH200    Model = "H200"
	ModelB200    Model = "B200"
)

// Vendor identifies a PCI vendor ID known to the allocator.
type Vendor string

const (
	VendorNvidia Vendor = "10de"
	VendorAMD    Vendor = "1002"
	VendorIntel  Vendor = "8086"
)

// VendorName returns the human-readable vendor name for a vendor ID,
// defaulting to "Unknown Vendor" for anything outside the known set.
func VendorName(vendorID string) string {
	switch Vendor(strings.ToLower(vendorID)) {
	case VendorNvidia:
		return "NVIDIA Corporation"
	case VendorAMD:
		return "Advanced Micro Devices, Inc. [AMD/ATI]"
	case VendorIntel:
		return "Intel Corporation"
	default:
		return "Unknown Vendor"
	}
}

// Device describes one host GPU discovered under /sys/bus/pci/devices.
type Device struct {
	PCIAddress     string
	VendorID       string
	DeviceID       string
	Name           string
	CurrentDriver  string
	IsVFIOBound    bool
	IOMMUGroup     string
	RelatedDevices []string
	Model          Model
	Assigned       bool
}

// EnableGPUDirect reports whether d's model qualifies for GPUDirect:
// exactly RTX5090, or any Hopper-class model (names starting with "H").
func (d Device) EnableGPUDirect() bool {
	return d.Model == ModelRTX5090 || strings.HasPrefix(string(d.Model), "H")
}

// InferModel infers a GPU model from its human-readable name, falling
// back to a vendor-based default when no name substring matches.
func InferModel(name, vendorID string) (Model, bool) {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "rtx 5090"), strings.Contains(lower, "rtx5090"):
		return ModelRTX5090, true
	case strings.Contains(lower, "h100"):
		return ModelH100, true
	case strings.Contains(lower, "h200"):
		return ModelH200, true
	case strings.Contains(lower, "b200"):
		return ModelB200, true
	}
	switch Vendor(strings.ToLower(vendorID)) {
	case VendorNvidia:
		return ModelRTX5090, true
	case VendorAMD:
		return ModelB200, true
	default:
		return "", false
	}
}

// Request is one {model, count} line item in a VM's GPU ask.
type Request struct {
	Model Model
	Count int
}

// Allocation is the result of successfully allocating GPUs for one VM.
type Allocation struct {
	PCIAddress string
	IOMMUGroup string
	Model      Model
}

const (
	pciDevicesPath    = "/sys/bus/pci/devices"
	iommuGroupsPath   = "/sys/kernel/iommu_groups"
	vfioDevicesPath   = "/dev/vfio"
	vfioDriverPath    = "/sys/bus/pci/drivers/vfio-pci"
	procCmdlinePath   = "/proc/cmdline"
	vfioDriverName    = "vfio-pci"
)

// Scanner abstracts host PCI/sysfs inspection so tests can substitute a
// fake filesystem without requiring real hardware.
type Scanner interface {
	Scan() ([]Device, error)
	Bind(pciAddress, vendorID, deviceID string) (string, error)
	Unbind(pciAddress string) error
}

// SysfsScanner is the production Scanner, reading /sys/bus/pci/devices
// and driving the VFIO bind/unbind sysfs files directly.
type SysfsScanner struct{}

// Manager tracks GPU allocation state for the local node: which devices
// are assigned to which VM, and a cached device scan refreshed on
// request. Allocation is single-node, in-process, and serialized by mu
// per spec §5 ("short, bounded" critical section).
type Manager struct {
	mu           sync.Mutex
	scanner      Scanner
	cache        []Device
	cacheValid   bool
	vmAllocation map[string][]string // vm name -> allocated PCI addresses
}

// NewManager constructs a Manager using scanner for device discovery
// and binding.
func NewManager(scanner Scanner) *Manager {
	return &Manager{
		scanner:      scanner,
		vmAllocation: make(map[string][]string),
	}
}

// NewDefaultManager constructs a Manager backed by the real host sysfs.
func NewDefaultManager() *Manager {
	return NewManager(SysfsScanner{})
}

// RefreshCache forces a rescan of host GPUs, discarding any cached scan.
func (m *Manager) RefreshCache() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshLocked()
}

func (m *Manager) refreshLocked() error {
	devices, err := m.scanner.Scan()
	if err != nil {
		return ferrors.Wrap(ferrors.KindUnavailable, "scan host GPUs", err)
	}
	m.cache = devices
	m.cacheValid = true
	m.recordGauge()
	return nil
}

func (m *Manager) recordGauge() {
	counts := make(map[Model]map[bool]int)
	for _, d := range m.cache {
		if counts[d.Model] == nil {
			counts[d.Model] = make(map[bool]int)
		}
		counts[d.Model][d.Assigned]++
	}
	for model, byAssigned := range counts {
		for assigned, n := range byAssigned {
			metrics.GPUsTotal.WithLabelValues(string(model), strconv.FormatBool(assigned)).Set(float64(n))
		}
	}
}

// availableLocked returns the cache, scanning first unless a previous
// scan is still marked valid.
func (m *Manager) availableLocked() ([]Device, error) {
	if !m.cacheValid {
		if err := m.refreshLocked(); err != nil {
			return nil, err
		}
	}
	return m.cache, nil
}

// Allocate matches count unassigned devices of each requested model
// across reqs, failing the entire request (with no partial assignment)
// if any one model is short. Assignment is recorded under vmName.
func (m *Manager) Allocate(vmName string, reqs []Request) ([]Allocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices, err := m.availableLocked()
	if err != nil {
		return nil, err
	}

	assignedPCI := make(map[string]bool)
	for i := range devices {
		if devices[i].Assigned {
			assignedPCI[devices[i].PCIAddress] = true
		}
	}

	var selections []int // indices into devices
	for _, req := range reqs {
		var matches []int
		for i, d := range devices {
			if d.Model != req.Model || assignedPCI[d.PCIAddress] {
				continue
			}
			matches = append(matches, i)
		}
		if len(matches) < req.Count {
			metrics.GPUAllocationsTotal.WithLabelValues("insufficient").Inc()
			return nil, ferrors.New(ferrors.KindUnavailable, fmt.Sprintf(
				"not enough available GPUs of model %s. requested: %d, available: %d",
				req.Model, req.Count, len(matches)))
		}
		for i := 0; i < req.Count; i++ {
			assignedPCI[devices[matches[i]].PCIAddress] = true
			selections = append(selections, matches[i])
		}
	}

	var out []Allocation
	var allocatedAddrs []string
	for _, idx := range selections {
		d := &devices[idx]
		d.Assigned = true
		out = append(out, Allocation{PCIAddress: d.PCIAddress, IOMMUGroup: d.IOMMUGroup, Model: d.Model})
		allocatedAddrs = append(allocatedAddrs, d.PCIAddress)
	}
	m.vmAllocation[vmName] = allocatedAddrs
	m.recordGauge()
	metrics.GPUAllocationsTotal.WithLabelValues("allocated").Inc()
	return out, nil
}

// Bind binds every allocation in allocs to the VFIO passthrough driver,
// returning the /dev/vfio/<group> paths, in the order given.
func (m *Manager) Bind(allocs []Allocation) ([]string, error) {
	m.mu.Lock()
	devices, err := m.availableLocked()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	byPCI := make(map[string]Device, len(devices))
	for _, d := range devices {
		byPCI[d.PCIAddress] = d
	}

	var paths []string
	for _, a := range allocs {
		d, ok := byPCI[a.PCIAddress]
		if !ok {
			return nil, ferrors.New(ferrors.KindFatal, fmt.Sprintf("GPU %s vanished from the scan between allocation and bind", a.PCIAddress))
		}
		path, err := m.scanner.Bind(a.PCIAddress, d.VendorID, d.DeviceID)
		if err != nil {
			return nil, ferrors.Wrap(ferrors.KindUnavailable, fmt.Sprintf("bind GPU %s to vfio-pci", a.PCIAddress), err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// Release unbinds every GPU allocated to vmName from VFIO and marks them
// available again; the allocator is authoritative for unbinding, per
// spec §4.6.
func (m *Manager) Release(vmName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs, ok := m.vmAllocation[vmName]
	if !ok {
		return nil
	}
	delete(m.vmAllocation, vmName)

	for i := range m.cache {
		for _, addr := range addrs {
			if m.cache[i].PCIAddress == addr {
				m.cache[i].Assigned = false
				if err := m.scanner.Unbind(addr); err != nil {
					log.Warn(fmt.Sprintf("unbind GPU %s from vfio-pci: %v", addr, err))
				} else {
					m.cache[i].IsVFIOBound = false
				}
			}
		}
	}
	m.recordGauge()
	return nil
}

// Scan reads /sys/bus/pci/devices for display-class controllers and
// builds a Device for each one whose model can be inferred.
func (SysfsScanner) Scan() ([]Device, error) {
	entries, err := os.ReadDir(pciDevicesPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", pciDevicesPath, err)
	}

	var devices []Device
	for _, entry := range entries {
		addr := entry.Name()
		devPath := filepath.Join(pciDevicesPath, addr)

		class, err := os.ReadFile(filepath.Join(devPath, "class"))
		if err != nil {
			continue
		}
		classID := strings.TrimSpace(string(class))
		if !isDisplayClass(classID) {
			continue
		}

		vendorID := readHexID(filepath.Join(devPath, "vendor"))
		deviceID := readHexID(filepath.Join(devPath, "device"))
		currentDriver := readSymlinkBase(filepath.Join(devPath, "driver"))
		iommuGroup := readSymlinkBase(filepath.Join(devPath, "iommu_group"))

		var related []string
		if iommuGroup != "" {
			groupDevices, _ := os.ReadDir(filepath.Join(iommuGroupsPath, iommuGroup, "devices"))
			for _, gd := range groupDevices {
				if gd.Name() != addr {
					related = append(related, gd.Name())
				}
			}
		}

		name := lspciName(vendorID, deviceID)
		model, ok := InferModel(name, vendorID)
		if !ok {
			continue
		}

		devices = append(devices, Device{
			PCIAddress:     addr,
			VendorID:       vendorID,
			DeviceID:       deviceID,
			Name:           name,
			CurrentDriver:  currentDriver,
			IsVFIOBound:    currentDriver == vfioDriverName,
			IOMMUGroup:     iommuGroup,
			RelatedDevices: related,
			Model:          model,
		})
	}
	return devices, nil
}

func isDisplayClass(classID string) bool {
	return strings.HasPrefix(classID, "0x0300") ||
		strings.HasPrefix(classID, "0x0301") ||
		strings.HasPrefix(classID, "0x0302")
}

func readHexID(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.TrimSpace(string(data)), "0x")
}

func readSymlinkBase(path string) string {
	link, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return filepath.Base(link)
}

func lspciName(vendorID, deviceID string) string {
	out, err := exec.Command("lspci", "-d", vendorID+":"+deviceID, "-nn").Output()
	if err != nil {
		return ""
	}
	line := strings.SplitN(strings.SplitN(string(out), "\n", 2)[0], ":", 2)
	if len(line) != 2 {
		return ""
	}
	return strings.TrimSpace(line[1])
}

// Bind unbinds pciAddress from its current driver (if any) then binds
// it to vfio-pci, registering the vendor/device id with the driver's
// new_id sink first if necessary.
func (SysfsScanner) Bind(pciAddress, vendorID, deviceID string) (string, error) {
	if err := ensureVFIOSupport(); err != nil {
		return "", err
	}

	devPath := filepath.Join(pciDevicesPath, pciAddress)
	driverPath := filepath.Join(devPath, "driver")

	if current := readSymlinkBase(driverPath); current != "" {
		if current == vfioDriverName {
			group := readSymlinkBase(filepath.Join(devPath, "iommu_group"))
			return filepath.Join(vfioDevicesPath, group), nil
		}
		if err := os.WriteFile(filepath.Join(driverPath, "unbind"), []byte(pciAddress), 0644); err != nil {
			return "", fmt.Errorf("unbind from %s: %w", current, err)
		}
	}

	newID := vendorID + " " + deviceID
	if err := os.WriteFile(filepath.Join(vfioDriverPath, "new_id"), []byte(newID), 0644); err != nil && !os.IsExist(err) {
		log.Warn(fmt.Sprintf("could not write to vfio-pci new_id: %v; trying direct bind", err))
	}

	if readSymlinkBase(driverPath) != vfioDriverName {
		if err := os.WriteFile(filepath.Join(vfioDriverPath, "bind"), []byte(pciAddress), 0644); err != nil {
			return "", fmt.Errorf("bind %s to vfio-pci: %w", pciAddress, err)
		}
	}

	group := readSymlinkBase(filepath.Join(devPath, "iommu_group"))
	if group == "" {
		return "", fmt.Errorf("cannot determine iommu group for %s", pciAddress)
	}
	vfioPath := filepath.Join(vfioDevicesPath, group)
	if _, err := os.Stat(vfioPath); err != nil {
		return "", fmt.Errorf("vfio device %s does not exist after binding", vfioPath)
	}
	return vfioPath, nil
}

// Unbind releases pciAddress from vfio-pci. It is a no-op (not an
// error) if the device is bound to a different driver already.
func (SysfsScanner) Unbind(pciAddress string) error {
	devPath := filepath.Join(pciDevicesPath, pciAddress)
	driverPath := filepath.Join(devPath, "driver")

	current := readSymlinkBase(driverPath)
	if current == "" {
		return fmt.Errorf("device %s is not bound to any driver", pciAddress)
	}
	if current != vfioDriverName {
		log.Warn(fmt.Sprintf("device %s is bound to %s, not vfio-pci", pciAddress, current))
		return nil
	}
	return os.WriteFile(filepath.Join(driverPath, "unbind"), []byte(pciAddress), 0644)
}

func ensureVFIOSupport() error {
	for _, mod := range []string{"vfio", "vfio_pci", "vfio_iommu_type1"} {
		if _, err := os.Stat(filepath.Join("/sys/module", mod)); err != nil {
			if out, err := exec.Command("modprobe", mod).CombinedOutput(); err != nil {
				return fmt.Errorf("modprobe %s: %w (%s)", mod, err, out)
			}
		}
	}

	cmdline, _ := os.ReadFile(procCmdlinePath)
	if !strings.Contains(string(cmdline), "intel_iommu=on") && !strings.Contains(string(cmdline), "amd_iommu=on") {
		log.Warn("IOMMU does not appear to be enabled on the kernel command line; GPU passthrough may not work")
	}

	if _, err := os.Stat(vfioDevicesPath); err != nil {
		return fmt.Errorf("%s does not exist; VFIO is not set up", vfioDevicesPath)
	}
	return nil
}
