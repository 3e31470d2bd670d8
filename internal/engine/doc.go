// Package engine provides the task execution engine. It accepts tasks bound to
// streams, publishes them to a hardware submission queue through a
// per-generation Strategy, reclaims completion reports, and enforces each
// stream's failure mode and the device's health state. Background goroutines
// (send, receive/heartbeat, recycle) are started with Start and joined by Stop.
package engine
