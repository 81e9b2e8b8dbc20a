// Package session holds the server side of one client connection: the
// synchronize handshake, the live watch set, the client's open post,
// and dispatch of everything the client sends. A session is a
// mux.Listener; live events flow from subscriptions through it to the
// transport.
//
// The handshake subscribes before reading backlogs, so an event
// published in between arrives twice: once in the backlog batch and
// once live. The per-thread ordinal watermark strips the duplicate on
// the way out.
package session
