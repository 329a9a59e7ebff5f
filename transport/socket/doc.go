/*
Package socket implements transport.Transport over an inherited Unix-domain
socket pair — the socket-rpc ChannelConfig mode.

Before spawning, a connected, full-duplex socket pair is created with
unix.Socketpair. The parent keeps one end; the child inherits the other as
an extra file descriptor, exported to it as the decimal environment
variable RPC_SOCKET_FD. The parent closes its copy of the child's end once
the child has started. RPC reads and writes share the parent's single
descriptor; stdout and stderr are plain pipes, left free for logs.
*/
package socket
