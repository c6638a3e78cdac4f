package transform

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// HasAESHardwareSupport reports whether the running CPU has AES
// instructions, adapted from the teacher's crypto.HasAESHardwareSupport.
// The spec does not make cipher selection hardware-conditional; this is
// surfaced only for metrics and logging.
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

// HardwareInfo reports diagnostic fields for logging/metrics at device
// construction time.
func HardwareInfo() map[string]interface{} {
	return map[string]interface{}{
		"aes_hardware_support": HasAESHardwareSupport(),
		"architecture":         runtime.GOARCH,
		"goos":                 runtime.GOOS,
		"go_version":           runtime.Version(),
	}
}
