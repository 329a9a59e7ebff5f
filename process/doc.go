/*
Package process implements ManagedProcess: one child, its Transport, its
optional RpcChannel, and its stderr/stdout OutputStreams, driven through
the one-way lifecycle pending → running → (stopping →) exited.

Start spawns the child and launches four background tasks on the supplied
scheduler.Handle: a stderr reader, a stdout reader (unless stdio-rpc is
consuming stdout for the RPC channel), a reaper that blocks on the
transport's Wait and drives the exited transition the instant it returns,
and a health monitor that polls Alive at a fixed interval purely as a
diagnostic — a signal-zero probe cannot distinguish a live child from a
zombie one, so only the reaper's actual wait4 can observe and reap an
exit. Nothing here restarts a dead child — see workergroup for fail-fast
fan-out instead.

Stop escalates in three bounded phases — the RPC shutdown handshake, then
SIGTERM, then SIGKILL — each covering a different kind of uncooperative
child, and always finishes by waiting unconditionally for the exited
transition.
*/
package process
