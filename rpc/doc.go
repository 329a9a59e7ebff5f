/*
Package rpc frames newline-delimited JSON over a transport.Transport and
correlates requests to responses by a unique id.

A Message is a JSON object; the two reserved keys id and reply_to classify
it as a request (id, no reply_to), a response (reply_to, no id), or a
notification (neither). Channel.Request assigns a fresh id, registers a
pending entry, writes the line, and blocks until the reader goroutine
routes back a message whose reply_to matches — or until the channel closes
or the caller's timeout elapses. Inbound messages without reply_to are
published on Notifications instead.

Pending-request state is mutated only under the Channel's mutex — by
Request when it registers or abandons an entry, by the reader goroutine
when a response arrives, and by Close — and each entry completes at most
once, so a response and a close never both deliver to the same Request.
*/
package rpc
