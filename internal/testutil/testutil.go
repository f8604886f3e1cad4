// Package testutil provides test utilities for rpz, including:
//   - An in-memory Redis for the queue engine tests (miniredis.go)
//   - A recording fake of the photo-z engine (engine.go)
//   - Quiet loggers (logger.go)
//   - Catalog fixtures shaped like Roman source catalogs (catalog.go)
//
// None of the helpers need Docker, network access or the engine binaries.
package testutil
