// Package lock provides error-checked mutual-exclusion locks for guarding
// shared agent state across goroutines.
//
// A Mutex reports misuse (releasing a free lock, destroying a held lock,
// using a destroyed lock) as an *OperationError instead of crashing the
// process. A busy lock is an expected outcome and is reported as a boolean by
// TryAcquire and IsLocked. Locks are destroyed explicitly with Close, which
// can fail. A Registry hands out named locks created on first use.
package lock
