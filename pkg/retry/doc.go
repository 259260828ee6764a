// Package retry runs operations under an exponential backoff policy.
//
// Executor distinguishes transient failures, which are retried, from fatal
// ones and from cancellation, which end the operation immediately. The error
// returned after giving up is the one produced by the last attempt, unwrapped.
package retry
