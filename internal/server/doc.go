// Package server implements the Parley chat service over plain TCP.
//
// The server accepts framed text requests, funnels them through a single
// processor goroutine, and mutates the entity store on behalf of clients.
// Each connection gets a read pump that scans complete frames off the
// socket and a write pump that drains an outbound buffer, so slow readers
// never block the processor. Responses to the requester and push events to
// other members travel the same outbound buffers.
//
// Connections are identified by logical IDs handed out by the registry;
// accounts reference connections (and vice versa) only through those IDs,
// never through pointers.
package server
