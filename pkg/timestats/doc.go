// Package timestats records how long each stage of a patch run takes.
//
// A run opens a row when a stage starts and closes it when the stage
// completes. Stages left open by a failed run are force-closed with
// CloseOpen, which the orchestrator defers for every run and the janitor
// applies to runs that ended without it.
package timestats
