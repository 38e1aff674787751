// Package storage persists the current task set, the archive of replaced
// sets, and the latest allocation report behind a small driver-agnostic
// Store interface.
package storage
