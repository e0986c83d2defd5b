package concurrency

import (
	"log"
	"runtime"

	"go.uber.org/automaxprocs/maxprocs"
)

// InitializeForKubernetes aligns GOMAXPROCS with the container CPU quota.
// Call at the very start of main() before any other initialization. Returns
// an undo function restoring the original GOMAXPROCS value.
func InitializeForKubernetes() func() {
	// Respects cgroup CPU limits, which matters for Kubernetes pods
	undo, err := maxprocs.Set(maxprocs.Logger(log.Printf))
	if err != nil {
		log.Printf("Failed to set maxprocs: %v", err)
		return func() {}
	}

	log.Printf("Concurrency initialized: GOMAXPROCS=%d", runtime.GOMAXPROCS(0))

	return undo
}

// GetEffectiveCPUs returns the effective number of CPUs available,
// respecting cgroup limits in containerized environments.
func GetEffectiveCPUs() int {
	return runtime.GOMAXPROCS(0)
}
