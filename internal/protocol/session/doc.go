// Package session owns the physical side of one duplex connection.
//
// Ownership boundary:
// - PayloadSender: header + chunked payload writes, serialized per payload
// - PayloadReceiver: frame reads and per-id reassembly
// - connection state and the one-shot disconnect notification
// - reliability config, retry backoff, transport TLS validation
//
// Neither side returns transport failures to its callers. Every fatal
// error becomes a single disconnect carrying a readable reason.
package session
