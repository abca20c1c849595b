package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sesync/internal/commits"
	"github.com/MarcoPoloResearchLab/sesync/internal/device"
	"github.com/stretchr/testify/require"
)

var errUnknownCursor = errors.New("unknown commitsAfter")

// chainSource serves a fixed commit chain the way the platform pages it.
type chainSource struct {
	mu     sync.Mutex
	chain  []commits.Commit
	err    error
	afters []string
}

func (source *chainSource) ListCommits(_ context.Context, request commits.ListCommitsRequest) ([]commits.Commit, error) {
	source.mu.Lock()
	defer source.mu.Unlock()
	if source.err != nil {
		return nil, source.err
	}
	source.afters = append(source.afters, request.After)
	start := 0
	if request.After != "" {
		start = -1
		for index, commit := range source.chain {
			if commit.CommitID == request.After {
				start = index + 1
				break
			}
		}
		if start < 0 {
			return nil, errUnknownCursor
		}
	}
	start += request.Offset
	if start >= len(source.chain) {
		return nil, nil
	}
	end := start + request.Limit
	if end > len(source.chain) {
		end = len(source.chain)
	}
	return append([]commits.Commit(nil), source.chain[start:end]...), nil
}

func (source *chainSource) firstAfter() string {
	source.mu.Lock()
	defer source.mu.Unlock()
	if len(source.afters) == 0 {
		return "<none>"
	}
	return source.afters[0]
}

type jsonDecrypter struct {
	err error
}

func (decrypter jsonDecrypter) Decrypt(_ context.Context, compact string, out any) error {
	if decrypter.err != nil {
		return decrypter.err
	}
	return json.Unmarshal([]byte(compact), out)
}

type acceptingConfirmer struct {
	mu        sync.Mutex
	confirmed []string
}

func (confirmer *acceptingConfirmer) ConfirmCommit(_ context.Context, url string, _ commits.ConfirmResult) error {
	confirmer.mu.Lock()
	defer confirmer.mu.Unlock()
	confirmer.confirmed = append(confirmer.confirmed, url)
	return nil
}

func (confirmer *acceptingConfirmer) SendApduResponse(_ context.Context, url string, _ commits.ApduExecutionResult) error {
	confirmer.mu.Lock()
	defer confirmer.mu.Unlock()
	confirmer.confirmed = append(confirmer.confirmed, url)
	return nil
}

type countingInvalidator struct {
	mu       sync.Mutex
	calls    int
	holds    int
	released int
}

func (invalidator *countingInvalidator) Hold() func(context.Context) {
	invalidator.mu.Lock()
	invalidator.holds++
	invalidator.mu.Unlock()
	return func(context.Context) {
		invalidator.mu.Lock()
		invalidator.released++
		invalidator.mu.Unlock()
	}
}

func (invalidator *countingInvalidator) Invalidate(context.Context) {
	invalidator.mu.Lock()
	invalidator.calls++
	invalidator.mu.Unlock()
}

func (invalidator *countingInvalidator) count() int {
	invalidator.mu.Lock()
	defer invalidator.mu.Unlock()
	return invalidator.calls
}

func (invalidator *countingInvalidator) holdCounts() (int, int) {
	invalidator.mu.Lock()
	defer invalidator.mu.Unlock()
	return invalidator.holds, invalidator.released
}

func apduCommit(t *testing.T, commitID string, commandCount int) commits.Commit {
	t.Helper()
	pkg := commits.ApduPackage{
		PackageID:      "pkg-" + commitID,
		TargetDeviceID: "device-1",
		ValidUntil:     time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}
	for index := 0; index < commandCount; index++ {
		pkg.Commands = append(pkg.Commands, commits.APDUCommand{
			CommandID: commitID + "-cmd",
			GroupID:   0,
			Sequence:  index,
			Command:   "00A4040000",
		})
	}
	payload, err := json.Marshal(pkg)
	require.NoError(t, err)
	return commits.Commit{
		CommitID:      commitID,
		RawType:       string(commits.CommitTypeApduPackage),
		EncryptedData: string(payload),
		Links:         map[string]commits.Link{"apduResponse": {Href: "https://platform.test/commits/" + commitID + "/apduResponse"}},
	}
}

func cardCommit(commitID string, commitType commits.CommitType) commits.Commit {
	return commits.Commit{
		CommitID:      commitID,
		RawType:       string(commitType),
		EncryptedData: `{"creditCardId":"card-1"}`,
		Links:         map[string]commits.Link{"confirm": {Href: "https://platform.test/commits/" + commitID + "/confirm"}},
	}
}

type engineFixture struct {
	source    *chainSource
	store     *commits.MemoryCursorStore
	confirmer *acceptingConfirmer
	keys      *countingInvalidator
	fetcher   *commits.Fetcher
	applier   *commits.Applier
}

func newEngineFixture(t *testing.T, decrypter commits.Decrypter, timeout time.Duration, chain ...commits.Commit) *engineFixture {
	t.Helper()
	fixture := &engineFixture{
		source:    &chainSource{chain: chain},
		store:     commits.NewMemoryCursorStore(),
		confirmer: &acceptingConfirmer{},
		keys:      &countingInvalidator{},
	}
	fetcher, err := commits.NewFetcher(commits.FetcherConfig{Source: fixture.source, Store: fixture.store, PageSize: 2})
	require.NoError(t, err)
	applier, err := commits.NewApplier(commits.ApplierConfig{
		Decrypter: decrypter,
		Confirmer: fixture.confirmer,
		Store:     fixture.store,
		Timeout:   timeout,
	})
	require.NoError(t, err)
	fixture.fetcher = fetcher
	fixture.applier = applier
	return fixture
}

func (fixture *engineFixture) request(connector device.Connector) Request {
	return Request{UserID: "user-1", Device: device.Descriptor{DeviceID: "device-1"}, Connector: connector}
}

func (fixture *engineFixture) operation(t *testing.T, connector device.Connector, connectTimeout time.Duration) *Operation {
	t.Helper()
	operation, err := NewOperation(OperationConfig{
		Request:                fixture.request(connector),
		Fetcher:                fixture.fetcher,
		Applier:                fixture.applier,
		Keys:                   fixture.keys,
		ConnectTimeout:         connectTimeout,
		ResumeFromSyncedCommit: true,
	})
	require.NoError(t, err)
	return operation
}

func (fixture *engineFixture) syncer(t *testing.T, consumers ...EventConsumer) *Syncer {
	t.Helper()
	syncer, err := NewSyncer(SyncerConfig{
		Fetcher:                fixture.fetcher,
		Applier:                fixture.applier,
		Keys:                   fixture.keys,
		Consumers:              consumers,
		ConnectTimeout:         time.Second,
		ResumeFromSyncedCommit: true,
	})
	require.NoError(t, err)
	return syncer
}

func (fixture *engineFixture) cursor(t *testing.T) string {
	t.Helper()
	commitID, err := fixture.store.LastCommitID(context.Background(), "device-1")
	require.NoError(t, err)
	return commitID
}

func collect(events <-chan Event) []Event {
	collected := make([]Event, 0)
	for event := range events {
		collected = append(collected, event)
	}
	return collected
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
	}
	return types
}
