/*
Package types defines the records shared by every rackpatch component.

The store maps each table to exactly one struct here (Request, Worker,
FabricEntry, RegistryEntry, PatchListEntry, TimeStat). Nothing outside
pkg/storage touches rows positionally, so a column change breaks the mapping
function at compile time instead of corrupting a field at runtime.

# Lifecycles

	Request:  Pending ──► Running ──► Done
	                          │
	                          └─────► Failed

	Worker:   Idle ◄──► Running ──► Stopped
	          synclock: "Undef" ◄──► <owner>

	Fabric:   (none, 0, []) ──lock──► (kind, n, [c1..cn]) ──unlock──► ...
	          lockedFor returns to none only when n reaches 0

PlanContext replaces the "current target / current request" state of an
orchestration run. Planner, launch node selector and availability checker
receive it explicitly.
*/
package types
