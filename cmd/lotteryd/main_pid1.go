//go:build !no_psi

// Command lotteryd runs the lottery bet server and its agency client.
//
// As PID 1 in a container, psi reaps orphaned children and turns SIGTERM
// into cancellation of the context handed to submain, which drains open
// agency connections before exit. Build with -tags no_psi to skip it.
package main

import "pkt.systems/psi"

func main() {
	psi.Run(submain)
}
