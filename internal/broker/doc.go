// Package broker implements the RPC core of the fleet: the connection
// registry tracking one live transport per bot identity, and the
// correlation engine that dispatches uniquely-identified calls over
// those transports and resolves them against asynchronous replies.
//
// Design principles:
//   - One authoritative connection per identity: a duplicate attach
//     closes and replaces the previous transport
//   - Exactly-once resolution: every pending call resolves by matching
//     reply, timeout, or connection loss, never more than one
//   - Bounded caller wait: late replies are discarded, not delivered
//   - Sharding by identity: no global lock serializes unrelated bots
package broker
