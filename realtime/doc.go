// Package realtime tracks live client connections and delivers frames to
// them. It owns the per-user connection registry (one live socket per claw,
// displacement on reconnect, two-strike heartbeat liveness), logical room
// fan-out, and the Delivery interface with its Direct, NATS-relay, and
// Redis-relay backends. The catch-up resolver replays missed sequenced
// frames through the same delivery path as live traffic.
package realtime
