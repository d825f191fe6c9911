// Package app wires the cm-bump pipeline together and supervises it: the
// watch controller feeds the content store, a sync loop applies store
// snapshots to the target directory, and the bumper signals the payload
// when anything on disk actually changed.
//
// The package also owns the configuration surface (flags, environment and
// YAML file all reduce to Config) and the process-wide shutdown signal.
package app
