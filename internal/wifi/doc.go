// Package wifi owns node connectivity.
//
// Ownership boundary:
// - the Idle / Connected / AccessPoint state machine
// - bounded association against the saved network
// - access point bring-up and the configuration portal lifecycle
// - radio drivers (host simulation, Pico 2 W)
//
// The Manager is driven from a single loop goroutine; it is not safe for
// concurrent use.
package wifi
