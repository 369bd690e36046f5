/*
Package fabric manages the lock rows of switch fabrics.

A fabric is shared by every cluster cabled to it. Per-cluster patch work
(non_ibswitch) may share the fabric; switch work (ibswitch) needs it fully
idle and then excludes everyone else:

	state (lockedFor, count)     request           result
	(none, 0)                    ibswitch A        granted  (ibswitch, 1, [A])
	(ibswitch, 1)                non_ibswitch B    refused
	(none, 0)                    non_ibswitch A    granted  (non_ibswitch, 1, [A])
	(non_ibswitch, 1)            non_ibswitch B    granted  (non_ibswitch, 2, [A B])
	(non_ibswitch, 2)            ibswitch C        refused

Lock and Unlock re-read the row under a write lock inside one transaction
and redo the whole read-modify-write on transient store errors. A missing
fabric row refuses the lock.
*/
package fabric
