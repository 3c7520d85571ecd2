// Package conn implements the connection lifecycle manager.
//
// The Manager:
//   - Owns the single socket handle and the connection state machine
//   - Drives reconnection with exponential backoff and jitter
//   - Probes liveness with ping/pong envelopes
//   - Queues outbound messages while disconnected and flushes in order
//   - Correlates request/response pairs and times out stragglers
//   - Fans inbound envelopes out to channel subscribers
package conn
