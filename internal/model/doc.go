// Package model defines the wire and event types shared across statusfeed.
//
// Conventions:
//   - Inbound frames are JSON envelopes: {"type": "...", "payload": {...}}
//   - Outbound frames are arbitrary JSON objects; subscribe requests carry
//     a "type" of "subscribe_<kind>" plus one identifier field
//   - Identifiers are strings; numeric IDs from the backend are accepted and
//     converted (see ID)
package model
