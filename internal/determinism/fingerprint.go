package determinism

import (
	"runtime"
	"sort"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Fingerprint identifies the hardware and toolchain a run executed on.
// Bit-identical results are only expected between runs with equal fingerprints.
type Fingerprint struct {
	CPU       string   `yaml:"cpu" json:"cpu"`
	Vendor    string   `yaml:"vendor" json:"vendor"`
	Features  []string `yaml:"features" json:"features"`
	GOOS      string   `yaml:"goos" json:"goos"`
	GOARCH    string   `yaml:"goarch" json:"goarch"`
	GoVersion string   `yaml:"go_version" json:"go_version"`
}

// CurrentFingerprint inspects the running machine.
func CurrentFingerprint() Fingerprint {
	features := cpuid.CPU.FeatureSet()
	sort.Strings(features)
	return Fingerprint{
		CPU:       strings.TrimSpace(cpuid.CPU.BrandName),
		Vendor:    cpuid.CPU.VendorString,
		Features:  features,
		GOOS:      runtime.GOOS,
		GOARCH:    runtime.GOARCH,
		GoVersion: runtime.Version(),
	}
}

// HasFMA reports whether fused multiply-add is available. The Go compiler may
// fuse x*y+z on such targets, which changes float results across machines.
func HasFMA() bool {
	return cpuid.CPU.Supports(cpuid.FMA3) || runtime.GOARCH == "arm64"
}

// String is a compact one-line form for logs and the run registry.
func (f Fingerprint) String() string {
	var b strings.Builder
	b.WriteString(f.GOOS)
	b.WriteByte('/')
	b.WriteString(f.GOARCH)
	if f.CPU != "" {
		b.WriteString(" ")
		b.WriteString(f.CPU)
	}
	b.WriteString(" ")
	b.WriteString(f.GoVersion)
	return b.String()
}

// Equal compares every field, features included.
func (f Fingerprint) Equal(o Fingerprint) bool {
	if f.CPU != o.CPU || f.Vendor != o.Vendor || f.GOOS != o.GOOS || f.GOARCH != o.GOARCH || f.GoVersion != o.GoVersion {
		return false
	}
	if len(f.Features) != len(o.Features) {
		return false
	}
	for i := range f.Features {
		if f.Features[i] != o.Features[i] {
			return false
		}
	}
	return true
}
