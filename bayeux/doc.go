// Package bayeux connects remote clients to a pubsub.Root over the
// bayeux protocol: json message envelopes carried by long-polling http
// requests, optionally by websockets.
//
// Logging convention in this package and generally for comet
// components:
// Info:
//
//	essential events for abnormal behavior and infrequent lifecycle
//	data that is useful for monitoring. This level should be silent on
//	normal operation.
//
// Error:
//
//	unexpected panics in user callbacks, even if handled and
//	suppressed for partial operation.
//
// V(1):
//
//	per session lifecycle events with ids that can be used to filter.
//
// V(2):
//
//	per message tracing. Frequent events that should stay off outside
//	of debugging sessions.
package bayeux
