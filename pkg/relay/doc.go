// Package relay turns a token-by-token completion into coalesced, rate-limited stream events.
//
// A ThrottledRelay pulls fragments from a TokenSource, publishes the delta accumulated since the
// previous flush at most once per flush interval, and finishes with exactly one terminal event
// carrying either the full assembled text or an error description.
//
// A KeepaliveGuard wraps a run: it writes transport heartbeats while the source stalls and
// converts a client disconnect into a silent abort.
package relay
