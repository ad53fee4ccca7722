// Package routines holds the background jobs of the station. Each routine is
// a scheduler.Routine; the scheduler guarantees a routine never overlaps
// itself.
package routines
