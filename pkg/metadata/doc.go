// Package metadata keeps run-local node metadata in BoltDB: the progress of
// each node of a request and the structured failure output the vendor patch
// tool left on each launch node. The error reporter reads both when it
// builds a request's failure payload.
package metadata
