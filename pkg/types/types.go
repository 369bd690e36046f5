package types

import (
	"strings"
	"time"
)

// RequestStatus represents the lifecycle state of a request
type RequestStatus string

const (
	RequestStatusPending RequestStatus = "Pending"
	RequestStatusRunning RequestStatus = "Running"
	RequestStatusDone    RequestStatus = "Done"
	RequestStatusFailed  RequestStatus = "Failed"
)

// Terminal reports whether no further transition is allowed from s
func (s RequestStatus) Terminal() bool {
	return s == RequestStatusDone || s == RequestStatusFailed
}

// CanTransitionTo reports whether s may move to next.
// Pending→Running→{Done,Failed} is the only allowed path.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	switch s {
	case RequestStatusPending:
		return next == RequestStatusRunning
	case RequestStatusRunning:
		return next == RequestStatusDone || next == RequestStatusFailed
	default:
		return false
	}
}

// Request is one unit of work submitted by a caller
type Request struct {
	UUID         string
	Status       RequestStatus
	StartTime    time.Time
	EndTime      *time.Time
	CmdType      string
	Params       string
	Error        string
	ErrorStr     string
	Body         string
	XML          string
	StatusInfo   string
	ClusterName  string
	Lock         string
	Data         string
	SubCommand   string
	ResponseSent string
	AQName       string
}

// WorkerStatus represents the state of a worker process
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "Idle"
	WorkerStatusRunning WorkerStatus = "Running"
	WorkerStatusStopped WorkerStatus = "Stopped"
)

// WorkerType distinguishes allocatable workers from special roles
type WorkerType string

const (
	WorkerTypeWorker        WorkerType = "worker"
	WorkerTypeDispatcher    WorkerType = "dispatcher"
	WorkerTypeWorkerManager WorkerType = "workermanager"
)

// WorkerState is the operational state of a worker slot
type WorkerState string

const (
	WorkerStateNormal  WorkerState = "NORMAL"
	WorkerStateBlocked WorkerState = "BLOCKED"
)

const (
	// IdleWorkerUUID is stored in Worker.UUID while the worker serves no request
	IdleWorkerUUID = "00000000-0000-0000-0000-000000000000"

	// SyncLockFree is the synclock value of an unowned worker row
	SyncLockFree = "Undef"
)

// Worker is one worker slot, keyed by port
type Worker struct {
	UUID           string
	Status         WorkerStatus
	StartTime      time.Time
	EndTime        *time.Time
	Params         string
	Error          string
	ErrorStr       string
	StatusInfo     string
	PID            int
	Port           int
	Type           WorkerType
	SyncLock       string
	LastActiveTime time.Time
	State          WorkerState
}

// Special reports whether the worker has a role other than "worker".
// Special workers are never allocated or swept.
func (w *Worker) Special() bool {
	return w.Type != WorkerTypeWorker
}

// Allocatable reports whether the worker can take a new request
func (w *Worker) Allocatable() bool {
	return !w.Special() &&
		w.Status == WorkerStatusIdle &&
		w.State == WorkerStateNormal &&
		w.UUID == IdleWorkerUUID
}

// LockedFor is the kind of work holding a fabric lock
type LockedFor string

const (
	LockedForNone        LockedFor = "none"
	LockedForIBSwitch    LockedFor = "ibswitch"
	LockedForNonIBSwitch LockedFor = "non_ibswitch"
)

// FabricEntry is the lock row of one physical switch fabric
type FabricEntry struct {
	ID           int64
	Hash         string
	DoSwitch     bool
	BusyClusters []string
	LockedFor    LockedFor
	LockCount    int
}

// Busy reports whether cluster currently holds the fabric
func (f *FabricEntry) Busy(cluster string) bool {
	for _, c := range f.BusyClusters {
		if c == cluster {
			return true
		}
	}
	return false
}

// ParseBusyClusters splits the persisted space separated cluster list
func ParseBusyClusters(s string) []string {
	return strings.Fields(s)
}

// FormatBusyClusters joins clusters into the persisted form
func FormatBusyClusters(clusters []string) string {
	return strings.Join(clusters, " ")
}

// RegistryEntry is a key claim tagged with the request and worker owning it
type RegistryEntry struct {
	Key    string
	Value  string
	UUID   string
	Worker string
}

// PatchListEntry links a child patch request to its master request
type PatchListEntry struct {
	MasterUUID string
	ChildUUID  string
	ReqStatus  string
	JSONReport string
}

// TimeStat is the timing row of one stage/sub-stage of a patch run
type TimeStat struct {
	MasterUUID      string
	ChildUUID       string
	TargetType      string
	NodeNames       string
	Operation       string
	RackName        string
	PatchType       string
	OperationStyle  string
	Stage           string
	SubStage        string
	StartTime       time.Time
	EndTime         *time.Time
	DurationSeconds int
}

// Open reports whether the stat has not been closed yet
func (t *TimeStat) Open() bool {
	return t.EndTime == nil
}

// ClusterOperation records a patch operation in flight on a cluster
type ClusterOperation struct {
	ID             int64
	ClusterName    string
	MasterUUID     string
	TargetType     string
	PatchType      string
	Operation      string
	OperationStyle string
}
