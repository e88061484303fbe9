// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns the single WebSocket handle shared by the process
//   - Drives the Disconnected/Connecting/Connected/Reconnecting/Closing state machine
//   - Reconnects with capped exponential backoff up to a maximum attempt count
//   - Queues outbound messages while disconnected and flushes them in order on open
//   - Replays every recorded topic subscription after each successful open
//   - Parses inbound envelopes and hands them to the Event Dispatcher
package connection
