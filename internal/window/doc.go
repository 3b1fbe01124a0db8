// Package window tracks the auxiliary verification window.
//
// Ownership boundary:
// - launching the window for a handoff token
// - closure detection from independent best-effort signals
// - the single closed report per watched window
//
// Absence of a signal is never taken as proof that the window is alive.
package window
