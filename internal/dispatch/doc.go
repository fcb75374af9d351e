// Package dispatch routes parsed commands to the profile that owns their action.
//
// A Resolver holds the loaded profiles in a fixed priority order: the last
// profile supplied at construction is consulted first. Dispatch finds the
// first profile that defines the command's action and invokes that entry
// with the command's target, actuator and modifier.
//
// Error handling:
//   - Missing action or target → ErrMalformedCommand
//   - No profile defines the action → *UnknownActionError (matches ErrUnknownAction)
//   - Action defined, signature missing → *action.NoMatchingSignatureError
//   - Handler failure → returned unchanged
//
// Nothing is retried and there is no fallback handler. Recorders observe
// every outcome but cannot alter it.
//
// Shadowing (two profiles defining one action) is resolved by priority. The
// ShadowPolicy decides whether construction is silent, logs a warning, or
// fails.
package dispatch
