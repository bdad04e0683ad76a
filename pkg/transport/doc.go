// Package transport defines the connection abstraction shared by every link
// type of a splinter node and the helpers concrete transports are built from.
//
// Key concepts:
// - Transport: accepts endpoints of its scheme and connects/listens on them
// - Listener: a bound endpoint producing inbound Connections
// - Connection: non-blocking Send/Recv of whole messages plus a poll.Handle
// - FramedConn: turns any blocking FrameIO into a Connection
//
// Concrete transports live in sub-packages (tcp, tls, ws, mem, quic, winpipe)
// and are composed by multi.Transport.
package transport
