// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments. A background goroutine periodically drops expired codes and
// tokens; call Stop when the store is no longer needed.
package memory
