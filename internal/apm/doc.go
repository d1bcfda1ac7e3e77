// Package apm owns control-plane command sequencing for the audio process manager.
//
// Ownership boundary:
// - entity registry (sub-graphs, containers, links, proxy managers)
//
// - command-control pool and correlation tokens
//
// - nested operation sequencers and the common driver loop
//
// - container/proxy dispatch and response aggregation
//
// - graph-open error recovery
//
// Lifecycle order:
// - submit -> admit or defer -> sequence -> await responses -> report
//
// - a command yields only while a response is outstanding.
//
// apm does not own message transport or wire encoding.
package apm
