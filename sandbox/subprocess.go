package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Config holds the resource and exchange settings shared by all backends.
type Config struct {
	TimeoutSec   int
	MemoryMB     int
	CPUSeconds   int
	MaxResultMB  int
	WorkerBinary string
	Image        string
}

// SubprocessExecutor runs each script in a separate worker process. The
// worker gets its own process group, a scrubbed environment and ulimit-based
// memory and CPU ceilings; when the wall-clock watchdog fires the whole
// group is killed from outside.
type SubprocessExecutor struct {
	logger *zap.Logger
	config *Config
	fs     FileSystem
}

// SubprocessExecutorOption defines a functional option for SubprocessExecutor
type SubprocessExecutorOption func(*SubprocessExecutor)

// WithSubprocessFileSystem sets the FileSystem for SubprocessExecutor
func WithSubprocessFileSystem(fs FileSystem) SubprocessExecutorOption {
	return func(s *SubprocessExecutor) {
		s.fs = fs
	}
}

// NewSubprocessExecutor creates a new SubprocessExecutor
func NewSubprocessExecutor(logger *zap.Logger, config *Config, opts ...SubprocessExecutorOption) *SubprocessExecutor {
	executor := &SubprocessExecutor{
		logger: logger,
		config: config,
		fs:     &RealFileSystem{},
	}

	for _, opt := range opts {
		opt(executor)
	}

	return executor
}

// Execute runs the script in a worker subprocess.
func (s *SubprocessExecutor) Execute(ctx context.Context, req Request) (Outcome, error) {
	if len(req.FrameJSON) == 0 {
		return Outcome{}, fmt.Errorf("request has no frame payload")
	}

	workerPath, err := resolveWorkerBinary(s.config.WorkerBinary)
	if err != nil {
		return BoundaryErrorOutcome(fmt.Sprintf("worker binary unavailable: %v", err), 0), nil
	}

	scratchDir, err := s.fs.MkdirTemp("", "framebox-exec-*")
	if err != nil {
		return BoundaryErrorOutcome(fmt.Sprintf("creating scratch dir: %v", err), 0), nil
	}
	defer func() {
		if rmErr := s.fs.RemoveAll(scratchDir); rmErr != nil {
			s.logger.Error("failed to remove scratch directory", zap.String("path", scratchDir), zap.Error(rmErr))
		}
	}()

	framePath := filepath.Join(scratchDir, FrameFileName)
	scriptPath := filepath.Join(scratchDir, ScriptFileName)
	resultPath := filepath.Join(scratchDir, ResultFileName)

	if writeErr := s.fs.WriteFile(framePath, req.FrameJSON, FilePermission); writeErr != nil {
		return BoundaryErrorOutcome(fmt.Sprintf("writing frame snapshot: %v", writeErr), 0), nil
	}
	if writeErr := s.fs.WriteFile(scriptPath, []byte(req.Script), FilePermission); writeErr != nil {
		return BoundaryErrorOutcome(fmt.Sprintf("writing script: %v", writeErr), 0), nil
	}

	timeout := time.Duration(req.TimeoutSec) * time.Second
	ctxWithTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The worker is wrapped in a shell that applies ulimit ceilings and then
	// execs with positional parameters, so nothing from the request is ever
	// interpolated into the shell string.
	memKB := req.MemoryMB * 1024
	shellScript := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec \"$@\"",
		memKB, req.CPUSeconds,
	)
	args := []string{
		"-c", shellScript, "_",
		workerPath,
		framePath, scriptPath, resultPath,
		fmt.Sprintf("-max-result-mb=%d", req.MaxResultMB),
	}

	cmd := exec.CommandContext(ctxWithTimeout, "/bin/sh", args...)
	cmd.Dir = scratchDir
	cmd.Env = ScrubEnviron(os.Environ(), scratchDir)

	// The worker runs in its own process group so the watchdog can kill the
	// entire tree, not just the immediate child. Cancellation is a SIGKILL
	// from outside the boundary; the script cannot install a handler for it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxCapturedOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxCapturedOutputBytes}

	s.logger.Debug("spawning sandbox worker",
		zap.String("worker", workerPath),
		zap.String("scratch_dir", scratchDir),
		zap.Int("timeout_sec", req.TimeoutSec),
		zap.Int("memory_mb", req.MemoryMB))

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	// Timeout wins over anything the worker may have managed to write.
	if ctxWithTimeout.Err() == context.DeadlineExceeded {
		s.logger.Warn("sandbox worker timed out", zap.Duration("elapsed", elapsed))
		return TimeoutOutcome(req.TimeoutSec, elapsed), nil
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return BoundaryErrorOutcome(fmt.Sprintf("spawning worker: %v", runErr), elapsed), nil
		}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			switch status.Signal() {
			case syscall.SIGKILL:
				return ResourceExceededOutcome("execution exceeded the memory ceiling and was killed", elapsed), nil
			case syscall.SIGXCPU:
				return ResourceExceededOutcome("execution exceeded the CPU ceiling and was killed", elapsed), nil
			}
		}
	}

	raw, readErr := s.fs.ReadFile(resultPath)
	if readErr != nil {
		message := TrimErrorMessage(stderrBuf.String())
		if message == "" {
			message = "sandbox produced no result"
		}
		outcome := Outcome{Status: StatusRuntimeError, Message: message, Duration: elapsed}
		return outcome, nil
	}

	outcome := DecodeEnvelope(raw)
	outcome.Duration = elapsed
	return outcome, nil
}

// resolveWorkerBinary locates the worker executable: an explicit path is
// used as-is, otherwise a sibling of the current executable is preferred
// over PATH lookup.
func resolveWorkerBinary(configured string) (string, error) {
	if configured == "" {
		return "", fmt.Errorf("no worker binary configured")
	}
	if filepath.IsAbs(configured) || len(filepath.Dir(configured)) > 1 {
		if _, err := os.Stat(configured); err != nil {
			return "", err
		}
		return configured, nil
	}
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), configured)
		if _, statErr := os.Stat(sibling); statErr == nil {
			return sibling, nil
		}
	}
	return exec.LookPath(configured)
}
