// Package frame provides the in-memory columnar dataset model.
//
// A Frame is an ordered collection of named, typed columns. Frames are the
// unit of data handed to sandboxed script executions: the caller keeps
// ownership of its Frame, and each execution works on a serialized snapshot
// that is deserialized independently inside the sandbox boundary.
//
// The JSON encoding produced by MarshalJSON is the interchange format used
// to cross the isolation boundary.
package frame
