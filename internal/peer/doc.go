// Package peer binds the protocol core to live connections.
//
// A Connection couples one PayloadSender, one PayloadReceiver and one
// request Manager over a single transport and reports each connection loss
// exactly once. Client dials an endpoint and reconnects with backoff;
// Server accepts stream, QUIC and websocket transports and gives each its
// own Connection.
package peer

// Version is reported by the health endpoint and the CLI.
const Version = "0.0.1"
