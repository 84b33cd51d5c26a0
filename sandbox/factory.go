package sandbox

import (
	"fmt"

	"go.uber.org/zap"
)

// Backend names accepted by NewExecutor.
const (
	BackendSubprocess = "subprocess"
	BackendDocker     = "docker"
	BackendPodman     = "podman"
)

// NewExecutor creates the isolation backend named by the configuration
func NewExecutor(logger *zap.Logger, config *Config, backend string) (Executor, error) {
	switch backend {
	case BackendSubprocess:
		return NewSubprocessExecutor(logger, config), nil
	case BackendDocker:
		return NewContainerExecutor(logger, config, "docker"), nil
	case BackendPodman:
		return NewContainerExecutor(logger, config, "podman"), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", backend)
	}
}
