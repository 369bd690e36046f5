/*
Package janitor periodically removes state no run will come back for.

Each cycle:
  - force-closes time stats left open by requests that are no longer running
  - archives Done and Failed requests older than ArchiveAfter
  - deletes archive rows older than PurgeAfter
  - drops registry rows whose worker slot is gone
  - frees node metadata of requests that left the requests table

A failing task does not stop the others. Cycle durations feed the
rackpatch_janitor_cycle_duration_seconds histogram.
*/
package janitor
