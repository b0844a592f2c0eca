// Package service supervises service binaries running as child processes.
//
// Overview
// The Supervisor owns a registry of running processes keyed by service id.
// At most one process runs per id. Run spawns the binary with stdout and
// stderr appended to the service log file, Stop terminates it.
//
// Data flow:
//
//	Supervisor                 Process{cmd}
//	    |                          |
//	Run -> reserve id              |
//	    | start() ---------------->| os/exec.Start, own process group
//	    |<-- register -------------| wait() in goroutine closes the log
//	    |                          |
//	Stop -> remove id              |
//	    | terminate() ------------>| SIGTERM, stop timeout, SIGKILL
//	    |<-- exit -----------------|
//
// Invariants:
//   - The registry lock is never held while spawning or waiting for a process.
//   - A reserved id rejects concurrent Run calls with a Conflict error.
//   - An entry whose process exited on its own is reaped by the next Run.
//   - Every started process is observed by exactly one wait goroutine.
//
// Processes are not restarted when they crash.
package service
