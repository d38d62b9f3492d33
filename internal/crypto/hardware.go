package crypto

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// HardwareOptions controls whether detected CPU AES acceleration is actually
// used by the envelope codec; detection and enablement are kept separate so
// an operator can disable acceleration (e.g. for reproducible benchmarking)
// even on capable hardware.
type HardwareOptions struct {
	EnableAESNI    bool
	EnableARMv8AES bool
}

// HasAESHardwareSupport checks whether the CPU supports AES hardware
// acceleration, via golang.org/x/sys/cpu feature detection.
func HasAESHardwareSupport() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasAES
	case "arm64":
		return cpu.ARM64.HasAES
	case "s390x":
		return cpu.S390X.HasAES
	default:
		return false
	}
}

// IsHardwareAccelerationEnabled reports whether acceleration is both
// supported and enabled for the running architecture.
func IsHardwareAccelerationEnabled(opts HardwareOptions) bool {
	if !HasAESHardwareSupport() {
		return false
	}

	switch runtime.GOARCH {
	case "amd64", "386":
		return opts.EnableAESNI
	case "arm64":
		return opts.EnableARMv8AES
	default:
		return true
	}
}

// HardwareInfo returns diagnostic information about hardware acceleration
// support, suitable for exposing via /metrics or a debug endpoint.
func HardwareInfo(opts HardwareOptions) map[string]any {
	return map[string]any{
		"aes_hardware_support":         HasAESHardwareSupport(),
		"architecture":                 runtime.GOARCH,
		"goos":                         runtime.GOOS,
		"go_version":                   runtime.Version(),
		"aes_ni_enabled":               opts.EnableAESNI,
		"armv8_aes_enabled":            opts.EnableARMv8AES,
		"hardware_acceleration_active": IsHardwareAccelerationEnabled(opts),
	}
}
