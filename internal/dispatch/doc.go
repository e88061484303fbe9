// Package dispatch implements the Event Dispatcher.
//
// The Dispatcher is a topic-keyed publish/subscribe registry:
//   - Listeners are registered per event name and invoked in registration order
//   - Every registration returns a Handle whose Dispose removes it
//   - A panicking listener is recovered and logged; the rest still run
//   - Inbound envelopes are parsed here and re-emitted under their own type
package dispatch
