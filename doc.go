// Package reef is the realtime core of the Reef social-messaging backend:
// event delivery to live client connections and rule-based automation.
//
// # Architecture
//
// A domain action (a message sent, a friend request accepted) is persisted by a
// collaborator service, which then publishes an event on the in-process bus.
// Two independent consumers react to every event:
//
//	┌──────────────────────────────────────┐
//	│            eventbus.Bus              │  typed publish/subscribe,
//	│   (synchronous fan-out, isolated)    │  handler failure isolation
//	└──────────┬────────────────┬──────────┘
//	           │                │
//	┌──────────▼─────────┐ ┌────▼─────────────────┐
//	│  realtime.Delivery │ │   reflex.Engine      │  declarative rules,
//	│  (Direct / relay)  │ │  (match + dispatch)  │  execution ledger
//	└──────────┬─────────┘ └────┬─────────────────┘
//	           │                │
//	┌──────────▼─────────┐ ┌────▼─────────────────┐
//	│ realtime.Registry  │ │  escalation queue    │  Layer-1 items await
//	│ (live connections) │ │  (per owner)         │  acknowledgment
//	└────────────────────┘ └──────────────────────┘
//
// Each claw (user identity) holds at most one live connection; a new
// connection displaces the old one. Delivery is best-effort: an offline
// recipient misses the live frame and recovers through the sequenced
// catch-up protocol backed by the inbox store.
//
// # Delivery backends
//
// The Delivery interface has three implementations selected once at startup:
// Direct (single-process push to the local transport), a NATS relay, and a
// Redis relay. The relays publish frames to a per-user channel so that any
// node hosting the recipient's socket can deliver them, which is how the
// system scales out without a shared connection table.
//
// # What this module does not do
//
// Persistence of business entities, authentication and signature
// verification, HTTP routing, and clients are external collaborators reached
// through interfaces. The bus is memory-resident, not a durable log;
// exactly-once delivery is explicitly not a goal.
package reef
