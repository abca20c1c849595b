package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/sesync/internal/auth"
	"github.com/MarcoPoloResearchLab/sesync/internal/commits"
	"github.com/MarcoPoloResearchLab/sesync/internal/credentials"
	"github.com/MarcoPoloResearchLab/sesync/internal/database"
	"github.com/MarcoPoloResearchLab/sesync/internal/device"
	"github.com/MarcoPoloResearchLab/sesync/internal/engine"
	"github.com/MarcoPoloResearchLab/sesync/internal/envelope"
	"github.com/MarcoPoloResearchLab/sesync/internal/platform"
	"github.com/MarcoPoloResearchLab/sesync/internal/platform/fakeplatform"
	"github.com/MarcoPoloResearchLab/sesync/internal/server"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	platformAccessToken = "integration-platform-token"
	operatorSecret      = "integration-secret"
	integrationUserID   = "user-abc"
	integrationDeviceID = "device-1"
	jsonContentType     = "application/json"
)

type syncResult struct {
	OperationID  string            `json:"operation_id"`
	DeviceID     string            `json:"device_id"`
	Status       engine.Status     `json:"status"`
	Reason       string            `json:"reason"`
	LastCommitID string            `json:"last_commit_id"`
	Processed    []commits.Outcome `json:"processed"`
}

type integrationStack struct {
	fake      *fakeplatform.Server
	element   *device.Emulator
	cursors   *commits.GormCursorStore
	cards     *credentials.Service
	telemetry *engine.TelemetryReporter
	baseURL   string
	token     string
}

func newIntegrationStack(testContext *testing.T) *integrationStack {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	fake := fakeplatform.New(fakeplatform.Config{AccessToken: platformAccessToken})
	platformServer := httptest.NewServer(fake.Handler())
	testContext.Cleanup(platformServer.Close)

	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "integration.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	testContext.Cleanup(func() {
		_ = sqlDB.Close()
	})

	cursors, err := commits.NewGormCursorStore(db, nil)
	if err != nil {
		testContext.Fatalf("failed to build cursor store: %v", err)
	}
	cards, err := credentials.NewService(credentials.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build credential service: %v", err)
	}

	client, err := platform.NewClient(platform.ClientConfig{BaseURL: platformServer.URL, AccessToken: platformAccessToken})
	if err != nil {
		testContext.Fatalf("failed to build platform client: %v", err)
	}
	keys, err := envelope.NewKeyManager(envelope.KeyManagerConfig{Provider: client})
	if err != nil {
		testContext.Fatalf("failed to build key manager: %v", err)
	}
	keyedClient := client.WithKeySource(keys)

	fetcher, err := commits.NewFetcher(commits.FetcherConfig{Source: keyedClient, Store: cursors, PageSize: 2})
	if err != nil {
		testContext.Fatalf("failed to build fetcher: %v", err)
	}
	applier, err := commits.NewApplier(commits.ApplierConfig{
		Decrypter:   keys,
		Confirmer:   keyedClient,
		Store:       cursors,
		Credentials: cards,
		Timeout:     time.Second,
	})
	if err != nil {
		testContext.Fatalf("failed to build applier: %v", err)
	}

	telemetry := engine.NewTelemetryReporter(zap.NewNop())
	hub := server.NewEventHub()
	syncer, err := engine.NewSyncer(engine.SyncerConfig{
		Fetcher:                fetcher,
		Applier:                applier,
		Keys:                   keys,
		Consumers:              []engine.EventConsumer{telemetry, hub},
		ConnectTimeout:         time.Second,
		ResumeFromSyncedCommit: true,
	})
	if err != nil {
		testContext.Fatalf("failed to build syncer: %v", err)
	}
	queue, err := engine.NewQueue(engine.QueueConfig{Runner: syncer, Synchronous: true})
	if err != nil {
		testContext.Fatalf("failed to build queue: %v", err)
	}
	testContext.Cleanup(func() {
		_ = queue.Close(context.Background())
	})

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(operatorSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      time.Minute,
	})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}
	token, _, err := tokens.IssueToken(context.Background(), "operator-1")
	if err != nil {
		testContext.Fatalf("failed to issue operator token: %v", err)
	}

	element := device.NewEmulator(device.EmulatorConfig{DeviceID: integrationDeviceID, DisconnectAfter: 2})
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:  tokens,
		Queue:   queue,
		Cursors: cursors,
		Connectors: func(device.Descriptor) (device.Connector, error) {
			return element, nil
		},
		Telemetry: telemetry,
		Realtime:  hub,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	controlServer := httptest.NewServer(handler)
	testContext.Cleanup(controlServer.Close)

	return &integrationStack{
		fake:      fake,
		element:   element,
		cursors:   cursors,
		cards:     cards,
		telemetry: telemetry,
		baseURL:   controlServer.URL,
		token:     token,
	}
}

func (stack *integrationStack) sync(testContext *testing.T, body []byte) syncResult {
	testContext.Helper()
	request, err := http.NewRequest(http.MethodPost, stack.baseURL+"/v1/sync?wait=true", bytes.NewReader(body))
	if err != nil {
		testContext.Fatalf("failed to build sync request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+stack.token)
	request.Header.Set("Content-Type", jsonContentType)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("sync request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected sync status: %d", response.StatusCode)
	}
	var result syncResult
	if err := json.NewDecoder(response.Body).Decode(&result); err != nil {
		testContext.Fatalf("failed to decode sync result: %v", err)
	}
	return result
}

func apduPackage(packageID string, commandCount int) commits.ApduPackage {
	pkg := commits.ApduPackage{
		PackageID:      packageID,
		TargetDeviceID: integrationDeviceID,
		ValidUntil:     time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
	}
	for index := 0; index < commandCount; index++ {
		pkg.Commands = append(pkg.Commands, commits.APDUCommand{
			CommandID: packageID + "-cmd",
			Sequence:  index,
			Command:   "00A4040000",
		})
	}
	return pkg
}

func TestSyncRecoversAfterDeviceDisconnect(testContext *testing.T) {
	stack := newIntegrationStack(testContext)
	stack.fake.Publish(integrationDeviceID,
		fakeplatform.Seed{CommitID: "21321310", Type: commits.CommitTypeCreditCardCreated, Payload: commits.CreditCard{CreditCardID: "card-1"}},
		fakeplatform.Seed{CommitID: "21321311", Type: commits.CommitTypeApduPackage, Payload: apduPackage("pkg-1", 2)},
		fakeplatform.Seed{CommitID: "21321312", Type: commits.CommitTypeApduPackage, Payload: apduPackage("pkg-2", 1)},
	)

	body, _ := json.Marshal(map[string]any{
		"user_id": integrationUserID,
		"device":  map[string]any{"device_id": integrationDeviceID, "serial_number": "SN-1"},
	})
	first := stack.sync(testContext, body)
	if first.Status != engine.StatusFailed || first.Reason != string(engine.ReasonDeviceWasDisconnected) {
		testContext.Fatalf("expected disconnect failure, got %#v", first)
	}
	cursor, err := stack.cursors.LastCommitID(context.Background(), integrationDeviceID)
	if err != nil || cursor != "21321310" {
		testContext.Fatalf("expected cursor 21321310 after the failed sync, got %q (%v)", cursor, err)
	}

	second := stack.sync(testContext, nil)
	if second.Status != engine.StatusSuccess {
		testContext.Fatalf("expected replayed sync to succeed, got %#v", second)
	}
	if second.LastCommitID != "21321312" || len(second.Processed) != 2 {
		testContext.Fatalf("unexpected replay result: %#v", second)
	}
	cursor, err = stack.cursors.LastCommitID(context.Background(), integrationDeviceID)
	if err != nil || cursor != "21321312" {
		testContext.Fatalf("expected cursor 21321312, got %q (%v)", cursor, err)
	}

	reports := stack.fake.ApduReports()
	if len(reports) != 2 {
		testContext.Fatalf("expected two apdu reports, got %d", len(reports))
	}
	for _, report := range reports {
		if report.Result.State != commits.ApduPackageStateProcessed {
			testContext.Fatalf("expected processed packages, got %#v", report.Result)
		}
		if report.KeyID == "" {
			testContext.Fatalf("expected reports to carry the encryption key id")
		}
	}
	confirmations := stack.fake.Confirmations()
	if len(confirmations) != 1 || confirmations[0].CommitID != "21321310" || confirmations[0].Result != commits.ConfirmResultSuccess {
		testContext.Fatalf("unexpected confirmations: %#v", confirmations)
	}

	cards, err := stack.cards.Cards(context.Background(), integrationUserID)
	if err != nil || len(cards) != 1 {
		testContext.Fatalf("expected one stored card, got %d (%v)", len(cards), err)
	}

	snapshot := stack.telemetry.Snapshot()
	if snapshot.Operations != 2 || snapshot.Failed != 1 || snapshot.FailureReasons[engine.ReasonDeviceWasDisconnected] != 1 {
		testContext.Fatalf("unexpected telemetry snapshot: %#v", snapshot)
	}
}

func TestControlAPIRejectsUnauthenticatedSync(testContext *testing.T) {
	stack := newIntegrationStack(testContext)
	response, err := http.Post(stack.baseURL+"/v1/sync", jsonContentType, bytes.NewReader([]byte(`{}`)))
	if err != nil {
		testContext.Fatalf("sync request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		testContext.Fatalf("expected unauthorized, got %d", response.StatusCode)
	}
}
