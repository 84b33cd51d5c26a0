// Package sandbox provides isolated execution of validated scripts.
//
// The sandbox package implements the execution boundary for running
// untrusted data-manipulation scripts. It supports a subprocess backend
// (separate worker process with a killed-from-outside watchdog, memory and
// CPU ceilings) and a container backend (single-use docker or podman
// container with network disabled and hard resource limits).
//
// The package also owns the two data contracts that cross the boundary:
// the scrubbed process environment handed to a worker, and the JSON result
// envelope the worker writes back. Decoding an envelope is pure
// deserialization; nothing coming back from a sandbox is ever evaluated.
package sandbox
