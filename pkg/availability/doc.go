// Package availability checks that patching a host leaves every
// multi-guest cluster with at least two running guests. Guests with no
// allocated CPUs or stopped by the tenant do not count. Clusters with a
// single such guest are exempt.
package availability
