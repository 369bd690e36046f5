/*
Package orchestrator executes one patch run end to end.

A run moves its request to Running, resolves the operation style of every
target, builds the step plan and picks the launch node that drives the
vendor patch tool. Clusters sharing a switch fabric take a fabric lock
before any tool step runs, and host runs pass the guest availability check
first. Steps then run in plan order; every step reports its progress into
the request's status info.

	Pending ─► Running ─► select launch node ─► fabric lock ─► HA check
	                        │
	                        ▼
	               tool steps (per node group) ─► patch_done ─► Done

Any failure is mapped to a patch error code, written to the request as a
structured report and ends the request as Failed. The fabric lock is
released and open time stats are closed on every exit path, including
cancellation.
*/
package orchestrator
