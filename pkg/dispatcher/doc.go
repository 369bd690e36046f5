/*
Package dispatcher hands pending requests to idle workers.

On start the dispatcher frees every worker sync lock, which heals locks left
by a crashed process. It then polls on a fixed interval:

	┌──────────────────────────────────────────────┐
	│  1. List pending requests, oldest first      │
	│  2. List idle plain workers                  │
	│  3. For each request:                        │
	│     • take the worker's sync lock            │
	│     • bind the worker to the request         │
	│     • release the sync lock                  │
	│     • run the request on its own goroutine   │
	└──────────────────────────────────────────────┘

The sync lock only guards the assignment. Losing it to another dispatcher
is expected and the next worker is tried. Special workers (dispatcher,
workermanager) are never allocated. When the handler returns, the worker
goes back to the idle pool.
*/
package dispatcher
