// Package system reports the host facts shown on the status endpoint and
// logged at startup.
package system

import (
	"runtime"
	"strings"

	"github.com/archivision/archivision/pkg/logging"
	"github.com/containerd/platforms"
	"github.com/docker/go-units"
	"github.com/elastic/go-sysinfo"
	"github.com/jaypipes/ghw"
)

const (
	// AcceleratorCUDA indicates an NVIDIA GPU is present.
	AcceleratorCUDA = "cuda"
	// AcceleratorCPU indicates no supported GPU was found.
	AcceleratorCPU = "cpu"
)

// Info describes the host.
type Info struct {
	// Platform is the OS/architecture string, e.g. "linux/amd64".
	Platform string `json:"platform"`
	// Accelerator is AcceleratorCUDA or AcceleratorCPU.
	Accelerator string `json:"accelerator"`
	// CPUs is the number of logical CPUs.
	CPUs int `json:"cpus"`
	// TotalRAM is the host memory in bytes, or 0 if unknown.
	TotalRAM uint64 `json:"total_ram"`
}

// RAM returns TotalRAM in human-readable binary units.
func (i *Info) RAM() string {
	if i.TotalRAM == 0 {
		return "unknown"
	}
	return units.BytesSize(float64(i.TotalRAM))
}

var (
	hostMemory   = totalHostMemory
	hasNVIDIAGPU = detectNVIDIAGPU
)

func totalHostMemory() (uint64, error) {
	hostInfo, err := sysinfo.Host()
	if err != nil {
		return 0, err
	}
	ram, err := hostInfo.Memory()
	if err != nil {
		return 0, err
	}
	return ram.Total, nil
}

func detectNVIDIAGPU() (bool, error) {
	gpus, err := ghw.GPU()
	if err != nil {
		return false, err
	}
	for _, gpu := range gpus.GraphicsCards {
		if gpu.DeviceInfo != nil && gpu.DeviceInfo.Vendor != nil && isNVIDIA(gpu.DeviceInfo.Vendor.Name) {
			return true, nil
		}
	}
	return false, nil
}

// isNVIDIA matches vendor names as reported by PCI databases, e.g.
// "NVIDIA Corporation", as well as the bare "NVIDIA" reported by WMI.
func isNVIDIA(vendor string) bool {
	return strings.Contains(strings.ToLower(vendor), "nvidia")
}

// Probe gathers host information. Probing failures are logged and leave the
// corresponding field at its fallback.
func Probe(log logging.Logger) *Info {
	info := &Info{
		Platform:    platforms.DefaultString(),
		Accelerator: AcceleratorCPU,
		CPUs:        runtime.NumCPU(),
	}

	if ram, err := hostMemory(); err != nil {
		log.Warnf("Could not read host RAM size: %s", err)
	} else {
		info.TotalRAM = ram
	}

	if nvidia, err := hasNVIDIAGPU(); err != nil {
		log.Warnf("Could not enumerate GPUs: %s", err)
	} else if nvidia {
		info.Accelerator = AcceleratorCUDA
	}

	log.Infof("Running on %s with %d CPUs, %s RAM, accelerator %s", info.Platform, info.CPUs, info.RAM(), info.Accelerator)
	return info
}
