/*
Package workergroup spawns a fixed-size group of identical
process.ManagedProcess workers, tags each with WORKER_INDEX in its
environment, and enforces fail-fast: the first worker to exit without
success kills every other worker still alive and latches a WorkerFailure
that WaitForFailure and Failure surface.

Siblings never communicate with one another; the only thing they share is
the group's failure signal. A Group of size zero is legal — every
operation on it returns at once without effect, except WaitForFailure,
which blocks forever since no failure can be latched.
*/
package workergroup
