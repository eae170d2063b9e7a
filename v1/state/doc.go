// Package state guards a value of shared agent state with a lock.Mutex.
//
// Every access goes through the lock, so callers never hold a reference to the
// value outside a critical section. Contexts are checked before blocking but
// cannot interrupt an Acquire already waiting.
package state
