// Package intercept installs recording wrappers around LLM SDK entry points.
//
// Go cannot rewrite the method tables of compiled packages, so interception
// is a registration table. Each SDK target package registers one Target per
// entry point into Default from its init function, and exposes a client
// facade whose methods dispatch through that target. Installing the registry
// swaps every target's function slot from the original SDK call to a wrapper
// that times the call, builds a record.CallRecord and hands it to a Recorder.
// Restoring swaps the originals back.
//
// A function slot is an atomic pointer: a concurrent call observes either the
// original or the fully built wrapper. SDKs that are not linked into the
// binary never register and are therefore skipped.
package intercept
