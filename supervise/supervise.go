// Package supervise is the core of the supervise application: it keeps exactly
// one instance of a command running, restarting it when it dies and stopping
// it when asked to.
//
// Mechanism of Operation
//
// A single goroutine, the monitor loop, owns every piece of mutable state. It
// waits on a handful of channels: the exit status of the current child, the
// operating system signals bridged in with signal.Notify, the grace timer, the
// restart timer and optional reload requests from a file watcher. Each event
// is handled to completion before the next one is read, so there are no locks
// and no handler can observe another one halfway through.
//
// Grace Period
//
// For one minute after every spawn, the child is considered to be starting.
// If it dies during that window without having been signaled by the
// supervisor, the command is assumed to be misconfigured and the supervisor
// gives up with exit status 1 instead of restarting it in a loop. While the
// child is starting, an advisory status file is kept at
// <status-dir>/<service>.<pid>.status.
//
// Stopping
//
// SIGTERM and SIGINT ask the supervisor to stop: the child is sent SIGTERM and
// the supervisor exits with status 0 once the child is gone. Another request
// while the child is still alive sends SIGKILL. SIGHUP is forwarded to the
// child as is and does not count as a request to stop.
package supervise
