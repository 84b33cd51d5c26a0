// Package policy implements static validation of untrusted scripts.
//
// Scripts are parsed into a syntax tree and walked node by node before any
// execution resources are allocated. The walk uses an allow-list posture:
// statement and expression kinds that are not explicitly recognized are
// rejected, so unknown constructs fail closed. The symbol tables (blocked
// call names, blocked bare names, blocked member names) are data, loaded
// from an embedded YAML file, so extending the blocklists never touches
// control flow.
package policy
