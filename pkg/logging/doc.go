// Package logging provides structured logging for cm-bump, built on Go's
// standard slog package.
//
// Every log entry carries a subsystem identifier so the single-binary
// sidecar's components (Controller, Syncer, Bumper, App) can be told apart
// in aggregated pod logs:
//
//	logging.Init(logging.LevelInfo, os.Stderr)
//	logging.Info("Controller", "watching config maps in %s", namespace)
//	logging.Error("Syncer", err, "failed to apply file set")
//
// Init also routes the controller-runtime logger through the same handler,
// so REST config detection does not complain about an unset logger.
//
// The package is safe for concurrent use.
package logging
