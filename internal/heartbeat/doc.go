// Package heartbeat infers channel liveness from inbound activity.
//
// Ownership boundary:
// - activity tracking on a borrowed channel
// - stale-check ticks and missed counting
// - the single liveness-lost report
//
// The monitor never sends pings and never closes the channel it observes.
package heartbeat
