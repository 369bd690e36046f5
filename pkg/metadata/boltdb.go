package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketProgress = []byte("node_progress")
	bucketPatchMgr = []byte("patchmgr_errors")
)

// ErrNotFound is returned when no metadata is recorded for a key
var ErrNotFound = errors.New("metadata not found")

// Node progress states
const (
	NodeStatusPending   = "pending"
	NodeStatusPatching  = "patching"
	NodeStatusCompleted = "completed"
	NodeStatusFailed    = "failed"
)

// NodeProgress is the progress of one node within a request
type NodeProgress struct {
	Status    string    `json:"status"`
	Step      string    `json:"step,omitempty"`
	UpdatedAt time.Time `json:"last_updated_time"`
}

// PatchMgrError is one structured failure reported by the vendor patch tool
type PatchMgrError map[string]any

// PatchMgrReport is the structured failure output of the vendor patch tool
// collected from one launch node
type PatchMgrReport struct {
	LaunchNode string          `json:"launch_node,omitempty"`
	Details    []PatchMgrError `json:"patch_mgr_error_details"`
}

// BoltStore keeps per-run node metadata in a local BoltDB file
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the metadata database under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "metadata.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketProgress, bucketPatchMgr} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Node progress operations

// SetNodeProgress records the progress of node within request
func (s *BoltStore) SetNodeProgress(request, node string, p NodeProgress) error {
	if request == "" || node == "" {
		return fmt.Errorf("request and node are required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketProgress).CreateBucketIfNotExists([]byte(request))
		if err != nil {
			return err
		}
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(node), data)
	})
}

// NodeProgress returns the progress of every node of request. A request
// with no recorded progress yields an empty map.
func (s *BoltStore) NodeProgress(request string) (map[string]NodeProgress, error) {
	progress := make(map[string]NodeProgress)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProgress).Bucket([]byte(request))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var p NodeProgress
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			progress[string(k)] = p
			return nil
		})
	})
	return progress, err
}

// DeleteRequest drops the node progress of request
func (s *BoltStore) DeleteRequest(request string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketProgress).DeleteBucket([]byte(request))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		return err
	})
}

// ListRequests returns the requests with recorded node progress
func (s *BoltStore) ListRequests() ([]string, error) {
	var requests []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProgress).ForEach(func(k, v []byte) error {
			if v == nil {
				requests = append(requests, string(k))
			}
			return nil
		})
	})
	sort.Strings(requests)
	return requests, err
}

// Patch tool failure operations

// SavePatchMgrErrors records the failure output collected on launchNode,
// replacing any earlier one
func (s *BoltStore) SavePatchMgrErrors(launchNode string, details []PatchMgrError) error {
	if launchNode == "" {
		return fmt.Errorf("launch node is required")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(PatchMgrReport{LaunchNode: launchNode, Details: details})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPatchMgr).Put([]byte(launchNode), data)
	})
}

// PatchMgrErrors returns the failure output collected on launchNode
func (s *BoltStore) PatchMgrErrors(launchNode string) (*PatchMgrReport, error) {
	var report PatchMgrReport
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPatchMgr).Get([]byte(launchNode))
		if data == nil {
			return fmt.Errorf("%w: patch tool errors for %s", ErrNotFound, launchNode)
		}
		return json.Unmarshal(data, &report)
	})
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// DeletePatchMgrErrors drops the failure output of launchNode
func (s *BoltStore) DeletePatchMgrErrors(launchNode string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPatchMgr).Delete([]byte(launchNode))
	})
}
