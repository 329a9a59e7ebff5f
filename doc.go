/*
Package procpool provides a process-based parallel work coordinator: a
parent spawns N long-lived child worker processes, exchanges
newline-delimited JSON-RPC with them over a configurable transport, and
coordinates them as a fail-fast group — the first worker to exit without
success kills every sibling still alive.

# Quick Start

	group := workergroup.New(4, []string{"./worker"}, os.Environ(), channel.Stdio())
	if err := group.Start(scheduler.Goroutines()); err != nil {
		log.Fatal(err)
	}
	defer group.Stop(10 * time.Second)

	failure := group.WaitForFailure()
	log.Printf("worker %d failed: index=%d code=%d", failure.Index, failure.Index, failure.ExitCode)

# Package Structure

  - channel: ChannelConfig, the immutable choice of RPC mode (stdio-rpc,
    socket-rpc, no-rpc) for a child
  - transport: the Transport contract shared by its two variants,
    transport/pipe (stdio pipes) and transport/socket (inherited
    Unix-domain socket pair)
  - outputstream: OutputStream, the broadcast primitive that fans a
    child's stdout/stderr lines out to any number of subscribers
  - rpc: Channel, which frames JSON lines over a Transport and correlates
    requests to responses by id
  - process: ManagedProcess, the per-child lifecycle state machine —
    spawn, health monitoring, graceful-shutdown escalation
  - workergroup: Group, the fail-fast fan-out of N identical
    ManagedProcesses
  - procerr: the three public error kinds (ChannelClosed, Timeout,
    WorkerFailure) surfaced across every layer above

# Wire Protocol

Requests, responses and notifications are newline-delimited JSON objects.
Two reserved keys classify a frame: id marks a request, reply_to marks a
response correlated to it; a frame with neither is a notification. The
payload beyond those two keys is schema-less — procpool is a transport,
not an RPC contract.

# Concurrency

Every blocking call — RpcChannel.Request, ManagedProcess.Wait/Stop,
Group.Wait/Stop — accepts a timeout, except Group.WaitForFailure, which
blocks until a failure is latched. A negative duration means
"wait indefinitely"; zero or positive bounds the wait exactly, including
the degenerate case of a deadline so tight it can race a nearly-instant
reply. Background work (the RPC reader loop, stdout/stderr pumps, the
health monitor) is launched through a scheduler.Handle rather than by
spawning goroutines directly, so an embedder can substitute its own task
runtime.

The Quick Start above is the module's only usage example; the tests in
package process drive a real line-RPC child end to end.
*/
package procpool
