package commits

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/sesync/internal/device"
	"go.uber.org/zap"
)

const defaultPageSize = 10

var (
	errMissingCommitSource = errors.New("commits: commit source is required")
	errMissingCursorStore  = errors.New("commits: cursor store is required")
)

// ListCommitsRequest selects one page of commits after a cursor.
type ListCommitsRequest struct {
	UserID   string
	DeviceID string
	After    string
	Limit    int
	Offset   int
}

// CommitSource lists commits in platform order.
type CommitSource interface {
	ListCommits(ctx context.Context, request ListCommitsRequest) ([]Commit, error)
}

// FetcherConfig wires the commit fetcher.
type FetcherConfig struct {
	Source   CommitSource
	Store    CursorStore
	PageSize int
	Logger   *zap.Logger
}

// Fetcher reconciles the resume cursor and pages through pending commits.
type Fetcher struct {
	source   CommitSource
	store    CursorStore
	pageSize int
	logger   *zap.Logger
}

// NewFetcher validates the configuration and returns a Fetcher.
func NewFetcher(cfg FetcherConfig) (*Fetcher, error) {
	if cfg.Source == nil {
		return nil, errMissingCommitSource
	}
	if cfg.Store == nil {
		return nil, errMissingCursorStore
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		source:   cfg.Source,
		store:    cfg.Store,
		pageSize: pageSize,
		logger:   logger,
	}, nil
}

// ResumeCursor returns the commit id to fetch after. The device's own record wins over the
// local store; a connector without commit reporting counts as having no record. When
// resumeFromSynced is false the cursor is empty.
func (fetcher *Fetcher) ResumeCursor(ctx context.Context, deviceID string, connector device.Connector, resumeFromSynced bool) (string, error) {
	if !resumeFromSynced {
		return "", nil
	}

	reported, err := device.LastAppliedCommitID(ctx, connector)
	switch {
	case errors.Is(err, device.ErrUnsupported):
		reported = ""
	case err != nil:
		return "", fmt.Errorf("commits: read device cursor: %w", err)
	}
	if reported = strings.TrimSpace(reported); reported != "" {
		fetcher.logger.Debug("resuming from device cursor",
			zap.String("device_id", deviceID),
			zap.String("commit_id", reported))
		return reported, nil
	}

	stored, err := fetcher.store.LastCommitID(ctx, deviceID)
	if err != nil {
		return "", fmt.Errorf("commits: read stored cursor: %w", err)
	}
	fetcher.logger.Debug("resuming from stored cursor",
		zap.String("device_id", deviceID),
		zap.String("commit_id", stored))
	return stored, nil
}

// FetchAll pages through every commit after the cursor, stopping at the first short page.
func (fetcher *Fetcher) FetchAll(ctx context.Context, userID string, deviceID string, after string) ([]Commit, error) {
	var collected []Commit
	for offset := 0; ; {
		page, err := fetcher.source.ListCommits(ctx, ListCommitsRequest{
			UserID:   userID,
			DeviceID: deviceID,
			After:    after,
			Limit:    fetcher.pageSize,
			Offset:   offset,
		})
		if err != nil {
			return nil, err
		}
		collected = append(collected, page...)
		if len(page) < fetcher.pageSize {
			break
		}
		offset += len(page)
	}
	fetcher.logger.Debug("commits fetched",
		zap.String("device_id", deviceID),
		zap.String("after", after),
		zap.Int("count", len(collected)))
	return collected, nil
}

// PageSize reports the configured page limit.
func (fetcher *Fetcher) PageSize() int {
	return fetcher.pageSize
}
