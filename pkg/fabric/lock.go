package fabric

import (
	"github.com/cuemby/rackpatch/pkg/types"
)

// grantLock applies a lock request of cluster for kind to f. It returns
// false, leaving f untouched, when the request must be refused:
//   - cluster already holds the fabric
//   - an ibswitch operation holds the fabric
//   - kind is ibswitch and the fabric is not fully idle
func grantLock(f *types.FabricEntry, cluster string, kind types.LockedFor) bool {
	if f.Busy(cluster) {
		return false
	}
	if f.LockedFor == types.LockedForIBSwitch {
		return false
	}
	if kind == types.LockedForIBSwitch && (f.LockedFor != types.LockedForNone || f.LockCount != 0) {
		return false
	}

	f.BusyClusters = append(f.BusyClusters, cluster)
	f.LockedFor = kind
	f.LockCount++
	return true
}

// grantUnlock removes cluster from f. The fabric goes back to none once the
// last holder leaves.
func grantUnlock(f *types.FabricEntry, cluster string) bool {
	idx := -1
	for i, c := range f.BusyClusters {
		if c == cluster {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}

	remaining := make([]string, 0, len(f.BusyClusters)-1)
	remaining = append(remaining, f.BusyClusters[:idx]...)
	remaining = append(remaining, f.BusyClusters[idx+1:]...)
	f.BusyClusters = remaining

	f.LockCount--
	if f.LockCount < 0 {
		f.LockCount = 0
	}
	if len(f.BusyClusters) == 0 {
		f.LockedFor = types.LockedForNone
		f.LockCount = 0
	}
	return true
}

// KindFor returns the lock kind a run over targets needs: ibswitch when any
// target is a fabric switch, non_ibswitch otherwise
func KindFor(targets []types.TargetType) types.LockedFor {
	for _, t := range targets {
		if t.IsSwitch() {
			return types.LockedForIBSwitch
		}
	}
	return types.LockedForNonIBSwitch
}
