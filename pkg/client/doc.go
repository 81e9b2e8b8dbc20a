/*
Package client keeps a Go process synchronized with a liveboard server.

The client owns the connection lifecycle so the application only deals
in events:

	disconnected → connecting → syncing → synced
	                   ↑                     │ link lost
	                   └── reconnecting ← dropped

On every (re)connect the client sends its per-thread ordinal
watermarks; the server replays what was missed and acknowledges. Events
arriving with ordinals at or below a watermark are duplicates from the
handshake overlap and are discarded, so OnEvent sees each mutation
exactly once, in order.

The reconnect delay grows every second attempt, from half a second up
to about a minute, and the budget resets once a connection stays synced
for a while. SetOnline feeds platform connectivity hints in: offline
closes the link immediately, online retries at once.

A desync (the server answering with an invalid notice) is terminal.
The client stops; the application must fetch a fresh snapshot and build
a new client from its ordinal.
*/
package client
