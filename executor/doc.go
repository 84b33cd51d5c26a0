// Package executor orchestrates the full lifecycle of one script execution:
// static validation, dataset snapshot, dispatch to an isolation backend, and
// outcome classification. Scripts that fail validation never reach a
// sandbox. A container backend that cannot start may fall back to the
// subprocess backend once, when configured to.
package executor
