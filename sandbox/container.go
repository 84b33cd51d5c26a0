package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Container exit codes that identify infrastructure failures rather than
// script failures. 137 is 128+SIGKILL, produced by the cgroup OOM killer.
const (
	containerExitOOMKilled   = 137
	containerExitRunFailed   = 125
	containerExitNotRunnable = 126
	containerExitNotFound    = 127
)

// ContainerExecutor runs each script in an ephemeral container started with
// a container runtime CLI (docker or podman). Every container is single-use:
// created for one execution, removed afterwards, never pooled.
type ContainerExecutor struct {
	logger    *zap.Logger
	config    *Config
	runtime   string
	cmdRunner CommandRunner
	fs        FileSystem
}

// ContainerExecutorOption defines a functional option for ContainerExecutor
type ContainerExecutorOption func(*ContainerExecutor)

// WithContainerCommandRunner sets the CommandRunner for ContainerExecutor
func WithContainerCommandRunner(cmdRunner CommandRunner) ContainerExecutorOption {
	return func(c *ContainerExecutor) {
		c.cmdRunner = cmdRunner
	}
}

// WithContainerFileSystem sets the FileSystem for ContainerExecutor
func WithContainerFileSystem(fs FileSystem) ContainerExecutorOption {
	return func(c *ContainerExecutor) {
		c.fs = fs
	}
}

// NewContainerExecutor creates a new ContainerExecutor for the given runtime
// binary ("docker" or "podman").
func NewContainerExecutor(logger *zap.Logger, config *Config, runtime string, opts ...ContainerExecutorOption) *ContainerExecutor {
	executor := &ContainerExecutor{
		logger:    logger,
		config:    config,
		runtime:   runtime,
		cmdRunner: &RealCommandRunner{},
		fs:        &RealFileSystem{},
	}

	for _, opt := range opts {
		opt(executor)
	}

	return executor
}

// Execute runs the script in an ephemeral container.
func (c *ContainerExecutor) Execute(ctx context.Context, req Request) (Outcome, error) {
	if len(req.FrameJSON) == 0 {
		return Outcome{}, fmt.Errorf("request has no frame payload")
	}

	scratchDir, err := c.fs.MkdirTemp("", "framebox-exec-*")
	if err != nil {
		return BoundaryErrorOutcome(fmt.Sprintf("creating scratch dir: %v", err), 0), nil
	}
	defer func() {
		if rmErr := c.fs.RemoveAll(scratchDir); rmErr != nil {
			c.logger.Error("failed to remove scratch directory", zap.String("path", scratchDir), zap.Error(rmErr))
		}
	}()

	// The worker runs as an unprivileged uid inside the container, not as
	// the uid that owns the scratch directory. MkdirTemp creates the dir
	// 0700, so it has to be opened up before the mount, the inputs must be
	// world-readable, and the result slot is pre-created world-writable so
	// the worker can fill it without owning the directory.
	if chmodErr := c.fs.Chmod(scratchDir, DirPermission); chmodErr != nil {
		return BoundaryErrorOutcome(fmt.Sprintf("opening scratch dir to the sandbox user: %v", chmodErr), 0), nil
	}

	framePath := filepath.Join(scratchDir, FrameFileName)
	scriptPath := filepath.Join(scratchDir, ScriptFileName)
	resultPath := filepath.Join(scratchDir, ResultFileName)

	if writeErr := c.writeExchangeFile(framePath, req.FrameJSON, SharedFilePermission); writeErr != nil {
		return BoundaryErrorOutcome(fmt.Sprintf("writing frame snapshot: %v", writeErr), 0), nil
	}
	if writeErr := c.writeExchangeFile(scriptPath, []byte(req.Script), SharedFilePermission); writeErr != nil {
		return BoundaryErrorOutcome(fmt.Sprintf("writing script: %v", writeErr), 0), nil
	}
	if writeErr := c.writeExchangeFile(resultPath, nil, ResultSlotPermission); writeErr != nil {
		return BoundaryErrorOutcome(fmt.Sprintf("preparing result slot: %v", writeErr), 0), nil
	}

	containerName := fmt.Sprintf("framebox-exec-%d", time.Now().UnixNano())

	// The worker inside the image sees only the scratch directory, mounted
	// at a fixed path. Network stays off unconditionally; there is no
	// configuration that turns it on for a container.
	cmdArgs := []string{
		c.runtime, "run",
		"--name", containerName,
		"--rm",
		"--network", "none",
		"--memory", fmt.Sprintf("%dm", req.MemoryMB),
		"--cpus", "1",
		"--pids-limit", "128",
		"--ulimit", fmt.Sprintf("cpu=%d", req.CPUSeconds),
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges:true",
		"--user", "nobody",
		"--read-only",
		"-v", fmt.Sprintf("%s:/sandbox/data", scratchDir),
		"--workdir", "/sandbox/data",
		c.config.Image,
		"/usr/local/bin/framebox-worker",
		FrameFileName, ScriptFileName, ResultFileName,
		fmt.Sprintf("-max-result-mb=%d", req.MaxResultMB),
	}

	ctxWithTimeout, cancel := context.WithTimeout(ctx, time.Duration(req.TimeoutSec)*time.Second)
	defer cancel()

	c.logger.Debug("starting sandbox container",
		zap.String("runtime", c.runtime),
		zap.String("container", containerName),
		zap.String("image", c.config.Image),
		zap.Int("timeout_sec", req.TimeoutSec))

	start := time.Now()
	_, stderr, exitCode, runErr := c.cmdRunner.RunCommand(ctxWithTimeout, cmdArgs)
	elapsed := time.Since(start)

	// Timeout wins over anything the container may have managed to write.
	// The runtime gets a forced kill and remove; --rm does not fire when the
	// run command itself was cancelled.
	if ctxWithTimeout.Err() == context.DeadlineExceeded {
		c.forceRemove(ctx, containerName)
		c.logger.Warn("sandbox container timed out",
			zap.String("container", containerName),
			zap.Duration("elapsed", elapsed))
		return TimeoutOutcome(req.TimeoutSec, elapsed), nil
	}

	if runErr != nil {
		return BoundaryErrorOutcome(fmt.Sprintf("starting container: %v", runErr), elapsed), nil
	}

	switch exitCode {
	case containerExitOOMKilled:
		return ResourceExceededOutcome("execution exceeded the memory ceiling and was killed", elapsed), nil
	case containerExitRunFailed, containerExitNotRunnable, containerExitNotFound:
		message := TrimErrorMessage(stderr)
		if message == "" {
			message = fmt.Sprintf("container runtime failed with exit code %d", exitCode)
		}
		return BoundaryErrorOutcome(message, elapsed), nil
	}

	// The result slot is pre-created, so a worker that died before writing
	// leaves it empty rather than missing. Both cases fall back to stderr.
	raw, readErr := c.fs.ReadFile(resultPath)
	if readErr != nil || len(bytes.TrimSpace(raw)) == 0 {
		message := TrimErrorMessage(stderr)
		if message == "" {
			message = "sandbox produced no result"
		}
		return Outcome{Status: StatusRuntimeError, Message: message, Duration: elapsed}, nil
	}

	outcome := DecodeEnvelope(raw)
	outcome.Duration = elapsed
	return outcome, nil
}

// writeExchangeFile writes a file and then re-applies its mode explicitly;
// the mode passed to WriteFile only takes effect at creation and is masked
// by the process umask.
func (c *ContainerExecutor) writeExchangeFile(path string, data []byte, mode os.FileMode) error {
	if err := c.fs.WriteFile(path, data, mode); err != nil {
		return err
	}
	return c.fs.Chmod(path, mode)
}

// forceRemove kills and removes a container that outlived its deadline. Both
// steps are best-effort; a failure here only means a leaked container to be
// reaped by the runtime.
func (c *ContainerExecutor) forceRemove(ctx context.Context, containerName string) {
	killCmd := exec.CommandContext(ctx, c.runtime, "kill", containerName)
	if killErr := killCmd.Run(); killErr != nil {
		c.logger.Warn("failed to kill container after timeout", zap.String("container", containerName), zap.Error(killErr))
	}
	rmCmd := exec.CommandContext(ctx, c.runtime, "rm", "-f", containerName)
	if rmErr := rmCmd.Run(); rmErr != nil {
		c.logger.Warn("failed to remove container after timeout", zap.String("container", containerName), zap.Error(rmErr))
	}
}
