// Package logging provides the process-wide structured logging facility.
//
// All subsystems log through the package-level Debug/Info/Warn/Error
// functions, tagging each entry with a subsystem name so log output can be
// filtered per component. The implementation is a thin wrapper around
// log/slog with a single text handler.
package logging
