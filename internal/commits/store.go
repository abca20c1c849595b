package commits

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidDeviceID indicates an empty device identifier.
	ErrInvalidDeviceID = errors.New("commits: invalid device id")
	// ErrInvalidCommitID indicates an empty commit identifier.
	ErrInvalidCommitID = errors.New("commits: invalid commit id")

	errMissingDatabase = errors.New("database handle is required")
)

// CursorStore persists the last applied and confirmed commit per device.
type CursorStore interface {
	LastCommitID(ctx context.Context, deviceID string) (string, error)
	SetLastCommitID(ctx context.Context, deviceID string, commitID string) error
}

// CommitCursor is the persisted cursor row.
type CommitCursor struct {
	DeviceID         string `gorm:"column:device_id;primaryKey;size:190;not null"`
	CommitID         string `gorm:"column:commit_id;size:190;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CommitCursor) TableName() string {
	return "device_commit_cursors"
}

// GormCursorStore keeps cursors in the service database.
type GormCursorStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewGormCursorStore wraps db, which must already carry the CommitCursor schema.
func NewGormCursorStore(db *gorm.DB, clock func() time.Time) (*GormCursorStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if clock == nil {
		clock = time.Now
	}
	return &GormCursorStore{db: db, clock: clock}, nil
}

// LastCommitID returns the stored cursor, or "" when the device has none.
func (store *GormCursorStore) LastCommitID(ctx context.Context, deviceID string) (string, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return "", ErrInvalidDeviceID
	}
	var cursor CommitCursor
	err := store.db.WithContext(ctx).Where("device_id = ?", deviceID).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return cursor.CommitID, nil
}

// SetLastCommitID upserts the cursor for deviceID.
func (store *GormCursorStore) SetLastCommitID(ctx context.Context, deviceID string, commitID string) error {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return ErrInvalidDeviceID
	}
	if strings.TrimSpace(commitID) == "" {
		return ErrInvalidCommitID
	}
	cursor := CommitCursor{
		DeviceID:         deviceID,
		CommitID:         commitID,
		UpdatedAtSeconds: store.clock().UTC().Unix(),
	}
	return store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"commit_id", "updated_at_s"}),
	}).Create(&cursor).Error
}

// MemoryCursorStore keeps cursors in process memory.
type MemoryCursorStore struct {
	mu      sync.RWMutex
	cursors map[string]string
}

// NewMemoryCursorStore returns an empty MemoryCursorStore.
func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]string)}
}

func (store *MemoryCursorStore) LastCommitID(_ context.Context, deviceID string) (string, error) {
	if strings.TrimSpace(deviceID) == "" {
		return "", ErrInvalidDeviceID
	}
	store.mu.RLock()
	defer store.mu.RUnlock()
	return store.cursors[strings.TrimSpace(deviceID)], nil
}

func (store *MemoryCursorStore) SetLastCommitID(_ context.Context, deviceID string, commitID string) error {
	if strings.TrimSpace(deviceID) == "" {
		return ErrInvalidDeviceID
	}
	if strings.TrimSpace(commitID) == "" {
		return ErrInvalidCommitID
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	store.cursors[strings.TrimSpace(deviceID)] = commitID
	return nil
}
