// Package sim simulates containers and proxy managers behind apm.Transport.
//
// Every message crosses the protocol codec in both directions, so the
// sequencer is driven by frames shaped exactly as a remote endpoint would
// see them.
package sim
