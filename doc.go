// Package relaycore provides a correlated request/response messaging core
// for a personal-assistant bot platform: it turns transports with no native
// request/response framing into multiplexed RPC channels.
//
// # The Correlation Problem
//
// RelayCore solves one problem twice, under different constraints:
//
//   - Client side: a single duplex socket to the platform carries RPC
//     replies and unsolicited push events interleaved. The client
//     multiplexes concurrent calls over it and fans events out to
//     subscribers, reconnecting with exponential backoff when the socket
//     drops.
//
//   - Bridge side: an append-only, unordered, replay-capable conversational
//     message stream carries plain chat and RPC-shaped tasks on the same
//     channel. The bridge forwards chat to the backend with per-identity
//     session continuity, and matches task replies best-effort, degrading
//     to raw text for counterparties that do not speak the envelope.
//
// Both sides share the same building blocks: a correlation table pairing
// request ids with pending handles, an envelope codec with a raw-text
// fallback arm, and a single ordered inbound dispatch loop so every message
// is consumed exactly once.
//
//	┌────────┐  call   ┌───────────┐  send   ┌───────────┐
//	│ Caller ├────────►│ Correlate ├────────►│ Transport │
//	└───▲────┘         │   Table   │         └─────┬─────┘
//	    │resolve       └─────▲─────┘               │inbound
//	    │                    │ match               ▼
//	    │              ┌─────┴─────────────────────────┐
//	    └──────────────┤       Inbound Dispatcher      │
//	                   │ reply? event? conversation?   │
//	                   └───────┬───────────────┬───────┘
//	                           ▼               ▼
//	                     Event Registry   Chat Backend
//	                      (fan-out)      (session map)
//
// # Packages
//
// Core:
//   - envelope: the wire envelope, a tagged union over request, reply,
//     event, and raw text
//   - correlate: the correlation table with deadline-driven expiry
//   - events: handle-based subscriber fan-out with wildcard listeners
//   - client: the socket client (websocket transport, reconnection policy,
//     call facade)
//   - bridge: the conversational bridge (JetStream provider, session
//     continuity, task RPC, chat backends)
//   - session: identity to backend-session bindings (memory or NATS KV)
//
// Infrastructure:
//   - natsbus: NATS connection management with circuit breaking, JetStream
//     streams and KV
//   - gateway: the HTTP surface exposed to the assistant platform
//   - config: JSON configuration with schema validation and env overrides
//   - metric: Prometheus registry and serving
//   - health: component health aggregation
//   - errors: classified error handling
//   - pkg/retry: exponential backoff retry
//
// # Binary
//
// Run the bridge daemon:
//
//	relaycore --config config.json
//
// The daemon connects the bus, starts the bridge over the JetStream
// conversation log, and serves the gateway and metrics endpoints until
// signalled.
package relaycore
