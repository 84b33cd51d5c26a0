// Package worker is the in-sandbox half of the execution boundary. It runs
// inside the isolated process or container, loads the serialized dataset
// snapshot, executes the script in an embedded JavaScript engine with no
// host access, and writes a single result envelope before exiting.
//
// The worker re-validates every script against the same policy rules the
// server applied. A script that reaches a worker without passing validation
// indicates a bug or a bypass attempt; either way it is rejected here too.
package worker
