/*
Package types defines the core data structures shared by every part of
the liveboard sync engine.

It contains the domain model (threads, posts, identities), the closed
set of mutation event kinds with their typed payloads, the wire
contract between client and server, and the error classes used for
failure reporting.

# Event kinds

Every mutation to a thread is recorded as an event of a fixed, closed
Kind. Kinds below KindPing are replayable: they are appended to the
thread's history and advance its history counter, so a client that has
applied ordinal N has necessarily seen all events up to N. Kinds from
KindPing upward are live-only administrative traffic and bypass the
history entirely.

Payload decoding goes through DecodePayload, which matches the kind set
exhaustively. Adding a kind without a decode arm is a compile-visible
change here rather than a silent fall-through at dispatch sites.

# Visibility

Ident carries capability flags resolved by an external policy checker.
The core only filters: hidden posts need Moderator, privileged posts
need the matching Priv token, and the moderator overlay channel is
derived by Ident.Channel.
*/
package types
