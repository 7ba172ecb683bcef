// Package types defines the shared data model of the managed artifact
// store: artifact descriptors, installed-artifact records, per-key download
// state, and the structured error taxonomy.
package types
