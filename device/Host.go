package device

import (
	"fmt"

	"github.com/klauspost/cpuid/v2"
	"gorgonia.org/tensor"
)

// host is the device that host tensors already live on
type host struct{}

// Host returns the host device. Transfers to the host do not copy: the
// returned tensor shares its backing data with the source tensor.
func Host() Device {
	return host{}
}

// Transfer returns src itself, or a contiguous copy of src if src is a
// view of another tensor
func (host) Transfer(src *tensor.Dense) (*tensor.Dense, error) {
	return contiguous(src)
}

// Synchronize is a no-op: host transfers complete immediately
func (host) Synchronize() error { return nil }

// Async returns false
func (host) Async() bool { return false }

// String implements the fmt.Stringer interface
func (host) String() string {
	return describe("cpu")
}

// describe returns a description of the processor the process runs on
func describe(name string) string {
	brand := cpuid.CPU.BrandName
	if brand == "" {
		brand = "unknown"
	}
	return fmt.Sprintf("%v (%v, %d logical cores, avx2=%v)", name, brand,
		cpuid.CPU.LogicalCores, cpuid.CPU.Supports(cpuid.AVX2))
}
