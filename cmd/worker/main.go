// Package main is the entry point for the Framebox sandbox worker.
//
// The worker is spawned once per execution, inside the isolation boundary
// (a resource-limited subprocess or an ephemeral container). It reads the
// dataset snapshot and script from its exchange files, executes the script
// in an embedded JavaScript engine, writes a single result envelope, and
// exits. It opens no sockets and spawns no processes.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/openpanda/framebox/worker"
)

const defaultMaxResultMB = 8

func main() {
	framePath, scriptPath, resultPath, maxResultMB, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "usage: framebox-worker <frame.json> <script.js> <result.json> [-max-result-mb=N]\n%v\n", err)
		os.Exit(2)
	}

	opts := worker.Options{MaxResultBytes: maxResultMB * 1024 * 1024}
	if err := worker.Run(framePath, scriptPath, resultPath, opts); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

// parseArgs accepts three positional exchange-file paths and an optional
// -max-result-mb flag in any position. Relative paths resolve against the
// working directory, which the container backend pins to the mounted
// exchange directory.
func parseArgs(args []string) (framePath, scriptPath, resultPath string, maxResultMB int, err error) {
	maxResultMB = defaultMaxResultMB
	var positional []string
	for _, arg := range args {
		if value, found := strings.CutPrefix(arg, "-max-result-mb="); found {
			n, convErr := strconv.Atoi(value)
			if convErr != nil || n <= 0 {
				return "", "", "", 0, fmt.Errorf("invalid -max-result-mb value: %s", value)
			}
			maxResultMB = n
			continue
		}
		positional = append(positional, arg)
	}
	if len(positional) != 3 {
		return "", "", "", 0, fmt.Errorf("expected 3 file arguments, got %d", len(positional))
	}
	return positional[0], positional[1], positional[2], maxResultMB, nil
}
