// Package pairing implements the pairing session lifecycle: the in-memory
// session registry, the per-session state machine that drives an external
// auth handshake, and the expiry sweeper that guarantees no session lives
// forever.
//
// Concurrency model:
//   - Every mutation of a session runs under that session's registry lock
//     (Registry.Update), so transitions for one session are applied strictly in
//     arrival order. Different sessions never contend beyond the registry map lock.
//   - Publishing to the broadcaster happens under the same lock, which gives
//     FIFO delivery per session and lets Join take a snapshot that is ordered
//     against every later publish.
//   - External I/O (adapter Begin/Terminate, notifications) never runs under a
//     session lock.
//
// Transport (HTTP/WS) lives in the api and realtime packages; they call the
// Orchestrator and read the Registry but never mutate it directly.
package pairing
