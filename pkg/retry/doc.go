/*
Package retry runs an operation until it succeeds or a stop condition is
met.

Waits run on a juju/clock timer, so they stop as soon as the context is
cancelled and tests can drive them with testclock. A loop ends on success,
on an error the policy marks fatal, when attempts run out, when the kill
switch trips or when ctx is done. Running out of attempts returns an
*ExhaustedError wrapping the last failure.

	err := retry.Do(ctx, retry.Policy{
		Attempts:   5,
		Delay:      time.Second,
		KillSwitch: retry.FileKillSwitch("/var/run/rackpatch/stop"),
	}, func(attempt int) error {
		return connect(ctx)
	})
*/
package retry
