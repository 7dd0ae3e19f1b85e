// Package dispatch provides Loop, the serial executor every context,
// controller and bridge in resultsync runs its work on.
//
// A coordinator owns one consumption loop. The primary context and every
// change bridge deliver on it, so consumers observe merges and batches in
// one total order. Background contexts own private loops.
package dispatch
