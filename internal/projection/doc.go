// Package projection holds per-subscription status projections.
//
// A projection listens on a dispatcher, filters events by topic identifier
// and folds them into a small state object the caller owns. Projections do
// no network I/O; the caller must hold a matching topic subscription for
// events to arrive. Close releases the dispatcher listeners.
package projection
