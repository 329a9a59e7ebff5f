/*
Package outputstream provides the broadcast primitive used to fan out one
producer's items (lines read from a child's stdout/stderr, inbound RPC
notifications) to zero or more callbacks plus one blocking iterator.

A Stream is created empty and fed exclusively by its producer via Emit;
consumers subscribe with OnData or drain it once with Each. Closing a
Stream is idempotent, and any Emit after Close is silently dropped.

Stream is safe for concurrent use: Emit, OnData and Close may be called
from different goroutines without external locking.
*/
package outputstream
