package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Exchange file names inside a sandbox scratch directory.
const (
	FrameFileName  = "frame.json"
	ScriptFileName = "script.js"
	ResultFileName = "result.json"
)

// maxCapturedOutputBytes caps captured stdout/stderr from a boundary to
// prevent a chatty script from exhausting parent memory.
const maxCapturedOutputBytes = 1 << 20 // 1 MB

// Request carries one validated script and the serialized dataset snapshot
// across to a backend. The frame payload is the columnar interchange JSON;
// it is owned exclusively by this execution.
type Request struct {
	Script      string
	FrameJSON   []byte
	TimeoutSec  int
	MemoryMB    int
	CPUSeconds  int
	MaxResultMB int
}

// Executor is the common contract of all isolation backends. A non-nil
// error is reserved for caller mistakes (nil request data); infrastructure
// failures are reported as an Outcome with StatusBoundaryError so the
// orchestrator can distinguish them from script failures.
type Executor interface {
	Execute(ctx context.Context, req Request) (Outcome, error)
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Arguments are assembled by the executor, not the script

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxCapturedOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxCapturedOutputBytes}

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
			err = nil
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// FileSystem defines an interface for the file system operations a backend
// performs on its scratch directory.
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	WriteFile(filename string, data []byte, perm os.FileMode) error
	ReadFile(filename string) ([]byte, error)
	Chmod(name string, mode os.FileMode) error
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

func (RealFileSystem) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(name, mode)
}

func (RealFileSystem) RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// File permission constants. The subprocess backend shares a uid with the
// worker and keeps the exchange files private; the container backend runs
// the worker as an unprivileged user with a different uid, so its exchange
// files must be world-readable and the result slot world-writable.
const (
	DirPermission        = 0755
	FilePermission       = 0600
	SharedFilePermission = 0644
	ResultSlotPermission = 0666
)

// limitedWriter wraps a writer and silently discards writes beyond a byte
// limit.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	if len(p) > lw.remaining {
		n, err := lw.w.Write(p[:lw.remaining])
		lw.remaining -= n
		if err != nil {
			return n, err
		}
		return len(p), nil
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
