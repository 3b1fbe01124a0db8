// Package session owns the connection orchestrator.
//
// Ownership boundary:
// - the idle/connecting/connected/disconnected state machine
// - retry budget and linear backoff scheduling
// - channel, heartbeat and window handle lifetimes
// - failure normalization into sink notifications
//
// Every state mutation runs on the orchestrator's single loop goroutine.
// Timers, channel callbacks and monitors post work to that loop and are
// dropped if the handle generation they captured is no longer current.
package session
