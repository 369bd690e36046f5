/*
Package launchnode chooses the host that drives the vendor patch tool.

Selection order:

  - ForceLocal returns "localhost" without probing.
  - A node already chosen for the run is returned again.
  - A single include node must belong to the candidates and answer the
    probe. It is returned together with the first other reachable
    candidate.
  - Two or more include nodes replace the candidates. For dom0 runs that
    patch a subset, the nodes outside the subset are used instead.
  - External launch nodes replace the candidates and are probed as the
    configured low-privilege user. "none" yields no launch node.
  - Candidates are probed in random order until one answers.

An empty result is not an error; callers must treat it as a run that
cannot proceed.
*/
package launchnode
