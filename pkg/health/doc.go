/*
Package health provides reachability checks for rackpatch.

A Checker checks one fixed target, such as the TCP endpoint of the store or
the /ready URL of a running dispatcher. A Prober checks an arbitrary host on
demand. Launch node selection uses one to decide whether a candidate node
can run a patch job; NewProber picks it from the configured method:

	ssh   key-based login as the probe user, then run "true"
	tcp   dial port 22
	ping  one ICMP echo through the system ping binary

SSHProber also runs commands on cluster nodes for the guest availability
check and the patch tool.

Failures are reported in Result.Message and never as errors.

	prober, err := health.NewSSHProber("root", keyPath, knownHosts, 10*time.Second)
	if err != nil {
		return err
	}
	if r := prober.Probe(ctx, "node17", "opc"); !r.Healthy {
		logger.Warn().Str("node", "node17").Msg(r.Message)
	}
*/
package health
