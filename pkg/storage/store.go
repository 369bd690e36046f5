package storage

import (
	"context"
	"time"

	"github.com/cuemby/rackpatch/pkg/types"
)

// Store defines the coordination state shared by every rackpatch process.
// It is implemented by SQLStore; components depend on the narrower
// interfaces they need.
type Store interface {
	// Requests
	InsertRequest(ctx context.Context, req *types.Request) (InsertResult, error)
	GetRequest(ctx context.Context, uuid string) (*types.Request, error)
	ListRequests(ctx context.Context, status types.RequestStatus) ([]*types.Request, error)
	ListPendingRequests(ctx context.Context) ([]*types.Request, error)
	UpdateRequestStatus(ctx context.Context, uuid string, next types.RequestStatus) error
	StartRequest(ctx context.Context, uuid string) (bool, error)
	UpdateRequestStatusInfo(ctx context.Context, uuid, statusInfo string) error
	UpdateRequestError(ctx context.Context, uuid, code, message, data string) error
	ArchiveRequests(ctx context.Context, endedBefore time.Time) (int64, error)
	PurgeArchivedRequests(ctx context.Context, endedBefore time.Time) (int64, error)

	// Workers
	InsertWorker(ctx context.Context, w *types.Worker) (InsertResult, error)
	GetWorker(ctx context.Context, port int) (*types.Worker, error)
	ListWorkers(ctx context.Context) ([]*types.Worker, error)
	ListIdleWorkers(ctx context.Context) ([]*types.Worker, error)
	UpdateWorker(ctx context.Context, w *types.Worker) error
	AssignWorker(ctx context.Context, port int, requestUUID string) (AssignResult, error)
	ReleaseWorker(ctx context.Context, port int) error
	DeleteWorker(ctx context.Context, port int) error

	// Worker sync locks
	SetSyncLockIfFree(ctx context.Context, port int, owner string) error
	ClearSyncLockIfOwner(ctx context.Context, port int, owner string) error
	GetSyncLock(ctx context.Context, port int) (string, error)
	ResetSyncLocks(ctx context.Context) (int64, error)

	// Registry
	SetRegistryEntry(ctx context.Context, e *types.RegistryEntry) error
	GetRegistryEntry(ctx context.Context, key string) (*types.RegistryEntry, error)
	DeleteRegistryByUUID(ctx context.Context, uuid string) (int64, error)
	DeleteRegistryByWorker(ctx context.Context, worker string) (int64, error)
	DeleteOrphanRegistryEntries(ctx context.Context) (int64, error)
	CountRegistryEntries(ctx context.Context) (int, error)

	// Fabrics
	InsertFabric(ctx context.Context, hash string) (*types.FabricEntry, InsertResult, error)
	GetFabric(ctx context.Context, id int64) (*types.FabricEntry, error)
	GetFabricByHash(ctx context.Context, hash string) (*types.FabricEntry, error)
	ListFabrics(ctx context.Context) ([]*types.FabricEntry, error)
	ModifyFabric(ctx context.Context, id int64, fn func(f *types.FabricEntry) bool) (found bool, applied bool, err error)
	SetFabricDoSwitch(ctx context.Context, id int64, doSwitch bool) error
	AttachClusterToFabric(ctx context.Context, fabricID int64, cluster string) (InsertResult, error)
	FabricIDForCluster(ctx context.Context, cluster string) (int64, error)
	AttachSwitchToFabric(ctx context.Context, fabricID int64, switchName string) (InsertResult, error)
	ListFabricSwitches(ctx context.Context, fabricID int64) ([]string, error)
	CleanupFabricTables(ctx context.Context) error

	// Cluster operations
	InsertClusterOperation(ctx context.Context, op *types.ClusterOperation) (InsertResult, error)
	ListClusterOperations(ctx context.Context, cluster string) ([]*types.ClusterOperation, error)
	CountClusterOperations(ctx context.Context, cluster, targetType, patchType string, operations []string) (int, error)
	DeleteClusterOperationsByMaster(ctx context.Context, masterUUID string) (int64, error)

	// Patch list
	InsertPatchListChild(ctx context.Context, masterUUID, childUUID, status string) (InsertResult, error)
	UpsertPatchListReport(ctx context.Context, e *types.PatchListEntry) error
	UpdatePatchListStatus(ctx context.Context, childUUID, status string) error
	GetPatchListEntry(ctx context.Context, childUUID string) (*types.PatchListEntry, error)
	ListChildRequests(ctx context.Context, masterUUID string) ([]*types.PatchListEntry, error)

	// Time stats
	InsertTimeStat(ctx context.Context, ts *types.TimeStat) error
	CloseLatestTimeStat(ctx context.Context, childUUID, stage, subStage, nodeNames string, now time.Time) (bool, error)
	CloseOpenTimeStats(ctx context.Context, childUUID string, now time.Time) (int, error)
	ListTimeStats(ctx context.Context, childUUID string) ([]*types.TimeStat, error)
	ListOpenTimeStatChildren(ctx context.Context) ([]string, error)

	// Close closes the store
	Close() error
}

var _ Store = (*SQLStore)(nil)
