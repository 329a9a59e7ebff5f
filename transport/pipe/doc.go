/*
Package pipe implements transport.Transport over three plain OS pipes
(stdin, stdout, stderr) to a spawned child — the stdio-rpc and no-rpc
ChannelConfig modes.

In stdio-rpc mode the RPC layer writes requests to the child's stdin and
reads responses/notifications from its stdout; stderr is log-only. In
no-rpc mode stdin is closed immediately after spawn (there is no input to
send) and both stdout and stderr are available as log streams.

# Process Lifecycle

Spawn starts the child with its own process group (Setpgid) so that signal
escalation during ManagedProcess.Stop/Kill reaches any grandchildren the
child itself forked. No parent-death signal is set, so the child is not
killed by the kernel if this process dies uncleanly.
*/
package pipe
