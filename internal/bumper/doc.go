// Package bumper locates the payload process and "bumps" it: delivers a
// configured OS signal whenever the synchronized configuration changed.
//
// The process can be identified by a fixed PID or discovered by matching a
// regular expression against command lines in the process table, optionally
// constrained by a parent-process criterion. Discovery results are cached
// and revalidated, so a stable payload is not rescanned on every change.
//
// Deliveries are debounced: a burst of triggers inside the configured quiet
// window collapses into a single signal.
package bumper
