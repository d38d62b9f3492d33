package crypto

import (
	"runtime"
	"testing"
)

func TestHasAESHardwareSupport(t *testing.T) {
	// We can't easily mock cpu features, so we just ensure it doesn't panic.
	_ = HasAESHardwareSupport()
}

func TestIsHardwareAccelerationEnabled(t *testing.T) {
	enabled := HardwareOptions{EnableAESNI: true, EnableARMv8AES: true}

	expected := HasAESHardwareSupport()
	if IsHardwareAccelerationEnabled(enabled) != expected {
		t.Errorf("IsHardwareAccelerationEnabled(enabled) = %v, want %v", IsHardwareAccelerationEnabled(enabled), expected)
	}

	if HasAESHardwareSupport() {
		disabled := HardwareOptions{}
		if IsHardwareAccelerationEnabled(disabled) {
			if runtime.GOARCH == "amd64" || runtime.GOARCH == "arm64" {
				t.Errorf("IsHardwareAccelerationEnabled(disabled) = true, want false")
			}
		}
	}
}

func TestHardwareInfo(t *testing.T) {
	info := HardwareInfo(HardwareOptions{})

	requiredFields := []string{"aes_hardware_support", "architecture", "goos", "go_version", "aes_ni_enabled", "armv8_aes_enabled", "hardware_acceleration_active"}
	for _, field := range requiredFields {
		if _, ok := info[field]; !ok {
			t.Errorf("HardwareInfo() missing field: %s", field)
		}
	}
}
