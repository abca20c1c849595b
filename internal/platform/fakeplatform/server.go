// Package fakeplatform is an in-process provisioning platform. It issues encryption keys,
// serves encrypted commit pages, and records confirmations, so the engine can be driven
// end to end without the real service.
package fakeplatform

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sesync/internal/commits"
	"github.com/MarcoPoloResearchLab/sesync/internal/envelope"
	"github.com/MarcoPoloResearchLab/sesync/internal/platform"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultKeyTTL = time.Hour

var errUnknownKey = errors.New("unknown encryption key")

// Config configures the fake platform.
type Config struct {
	// AccessToken, when set, must be presented as a bearer token.
	AccessToken string
	KeyTTL      time.Duration
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Seed describes a commit to publish for a device.
type Seed struct {
	CommitID string
	Type     commits.CommitType
	// Payload is encrypted for the caller's key when the commit is served.
	Payload any
}

// Confirmation is a recorded POST to a confirm link.
type Confirmation struct {
	CommitID string
	KeyID    string
	Result   commits.ConfirmResult
}

// ApduReport is a recorded POST to an apduResponse link.
type ApduReport struct {
	CommitID string
	KeyID    string
	Result   commits.ApduExecutionResult
}

type issuedKey struct {
	resource platform.EncryptionKeyResource
	secret   []byte
}

type storedCommit struct {
	commit  commits.Commit
	payload any
}

// Server is the fake platform. Its zero value is not usable; call New.
type Server struct {
	config Config
	logger *zap.Logger

	mu            sync.Mutex
	keys          map[string]issuedKey
	deletedKeys   []string
	history       map[string][]storedCommit
	confirmations []Confirmation
	reports       []ApduReport
	cards         []platform.CreditCardInfo
	failures      map[string]int
	listCalls     int
}

// New builds a fake platform.
func New(cfg Config) *Server {
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = defaultKeyTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		config:   cfg,
		logger:   logger,
		keys:     make(map[string]issuedKey),
		history:  make(map[string][]storedCommit),
		failures: make(map[string]int),
	}
}

// Handler returns the gin engine serving the platform routes.
func (s *Server) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	authorized := router.Group("/")
	authorized.Use(s.authorize)
	authorized.POST("/config/encryptionKeys", s.handleCreateKey)
	authorized.GET("/config/encryptionKeys/:key_id", s.handleGetKey)
	authorized.DELETE("/config/encryptionKeys/:key_id", s.handleDeleteKey)
	authorized.GET("/users/:user_id/devices/:device_id/commits", s.handleListCommits)
	authorized.POST("/commits/:commit_id/confirm", s.handleConfirm)
	authorized.POST("/commits/:commit_id/apduResponse", s.handleApduResponse)
	authorized.POST("/users/:user_id/creditCards", s.handleCreateCreditCard)
	return router
}

// Publish appends commits to the device's history in order and returns their ids.
func (s *Server) Publish(deviceID string, seeds ...Seed) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(seeds))
	for _, seed := range seeds {
		commitID := seed.CommitID
		if commitID == "" {
			commitID = uuid.NewString()
		}
		previous := ""
		if existing := s.history[deviceID]; len(existing) > 0 {
			previous = existing[len(existing)-1].commit.CommitID
		}
		links := map[string]commits.Link{}
		if seed.Type == commits.CommitTypeApduPackage {
			links["apduResponse"] = commits.Link{Href: "/commits/" + commitID + "/apduResponse"}
		} else {
			links["confirm"] = commits.Link{Href: "/commits/" + commitID + "/confirm"}
		}
		s.history[deviceID] = append(s.history[deviceID], storedCommit{
			commit: commits.Commit{
				CommitID:         commitID,
				PreviousCommitID: previous,
				RawType:          string(seed.Type),
				CreatedTsEpoch:   s.config.Clock().UnixMilli(),
				Links:            links,
			},
			payload: seed.Payload,
		})
		ids = append(ids, commitID)
	}
	return ids
}

// FailCallbacks makes the next count callback POSTs for commitID answer 503.
func (s *Server) FailCallbacks(commitID string, count int) {
	s.mu.Lock()
	s.failures[commitID] += count
	s.mu.Unlock()
}

// Confirmations returns the recorded confirm POSTs in arrival order.
func (s *Server) Confirmations() []Confirmation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Confirmation(nil), s.confirmations...)
}

// ApduReports returns the recorded apduResponse POSTs in arrival order.
func (s *Server) ApduReports() []ApduReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ApduReport(nil), s.reports...)
}

// CreditCards returns the decrypted credential creation requests.
func (s *Server) CreditCards() []platform.CreditCardInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]platform.CreditCardInfo(nil), s.cards...)
}

// DeletedKeys returns the ids of retired keys.
func (s *Server) DeletedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deletedKeys...)
}

// ListCalls counts commit page requests.
func (s *Server) ListCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listCalls
}

func (s *Server) authorize(c *gin.Context) {
	if s.config.AccessToken == "" {
		c.Next()
		return
	}
	if c.GetHeader("Authorization") != "Bearer "+s.config.AccessToken {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

type createKeyRequest struct {
	ClientPublicKey string `json:"clientPublicKey"`
}

func (s *Server) handleCreateKey(c *gin.Context) {
	var request createKeyRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.ClientPublicKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	pair, err := envelope.GenerateKeyPair()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key_generation_failed"})
		return
	}
	secret, err := pair.DeriveSecret(request.ClientPublicKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_client_public_key"})
		return
	}
	serverPublicKey, err := pair.PublicKeyHex()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key_generation_failed"})
		return
	}

	now := s.config.Clock()
	resource := platform.EncryptionKeyResource{
		KeyID:             uuid.NewString(),
		ServerPublicKey:   serverPublicKey,
		ClientPublicKey:   request.ClientPublicKey,
		CreatedTsEpoch:    now.UnixMilli(),
		ExpirationTsEpoch: now.Add(s.config.KeyTTL).UnixMilli(),
	}
	s.mu.Lock()
	s.keys[resource.KeyID] = issuedKey{resource: resource, secret: secret}
	s.mu.Unlock()
	c.JSON(http.StatusCreated, resource)
}

func (s *Server) handleGetKey(c *gin.Context) {
	s.mu.Lock()
	key, ok := s.keys[c.Param("key_id")]
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, key.resource)
}

func (s *Server) handleDeleteKey(c *gin.Context) {
	keyID := c.Param("key_id")
	s.mu.Lock()
	_, ok := s.keys[keyID]
	if ok {
		delete(s.keys, keyID)
		s.deletedKeys = append(s.deletedKeys, keyID)
	}
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListCommits(c *gin.Context) {
	key, err := s.requestKey(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_key"})
		return
	}
	limit, limitErr := strconv.Atoi(c.DefaultQuery("limit", "10"))
	offset, offsetErr := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limitErr != nil || offsetErr != nil || limit <= 0 || offset < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_paging"})
		return
	}

	s.mu.Lock()
	s.listCalls++
	history := append([]storedCommit(nil), s.history[c.Param("device_id")]...)
	s.mu.Unlock()

	start := 0
	if after := c.Query("commitsAfter"); after != "" {
		start = -1
		for index, stored := range history {
			if stored.commit.CommitID == after {
				start = index + 1
				break
			}
		}
		if start < 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "commit_not_found"})
			return
		}
	}

	pending := history[start:]
	if offset >= len(pending) {
		pending = nil
	} else {
		pending = pending[offset:]
	}
	if len(pending) > limit {
		pending = pending[:limit]
	}

	results := make([]commits.Commit, 0, len(pending))
	for _, stored := range pending {
		commit := stored.commit
		if stored.payload != nil {
			sealed, err := envelope.Encrypt(stored.payload, key.resource.KeyID, key.secret)
			if err != nil {
				s.logger.Error("commit encryption failed", zap.String("commit_id", commit.CommitID), zap.Error(err))
				c.JSON(http.StatusInternalServerError, gin.H{"error": "encryption_failed"})
				return
			}
			commit.EncryptedData = sealed
		}
		results = append(results, commit)
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "totalResults": len(history) - start})
}

type confirmRequest struct {
	Result commits.ConfirmResult `json:"result"`
}

func (s *Server) handleConfirm(c *gin.Context) {
	commitID := c.Param("commit_id")
	if s.consumeFailure(commitID) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable"})
		return
	}
	var request confirmRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.Result == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	s.mu.Lock()
	s.confirmations = append(s.confirmations, Confirmation{
		CommitID: commitID,
		KeyID:    c.GetHeader(platform.KeyIDHeader),
		Result:   request.Result,
	})
	s.mu.Unlock()
	c.Status(http.StatusOK)
}

func (s *Server) handleApduResponse(c *gin.Context) {
	commitID := c.Param("commit_id")
	if s.consumeFailure(commitID) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable"})
		return
	}
	var request commits.ApduExecutionResult
	if err := c.ShouldBindJSON(&request); err != nil || request.State == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	s.mu.Lock()
	s.reports = append(s.reports, ApduReport{
		CommitID: commitID,
		KeyID:    c.GetHeader(platform.KeyIDHeader),
		Result:   request,
	})
	s.mu.Unlock()
	c.Status(http.StatusOK)
}

type encryptedRequest struct {
	EncryptedData string `json:"encryptedData"`
}

func (s *Server) handleCreateCreditCard(c *gin.Context) {
	key, err := s.requestKey(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_key"})
		return
	}
	var request encryptedRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	info, err := envelope.DecryptAs[platform.CreditCardInfo](request.EncryptedData, key.resource.KeyID, key.secret)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "decryption_failed"})
		return
	}
	s.mu.Lock()
	s.cards = append(s.cards, info)
	s.mu.Unlock()

	card := commits.CreditCard{
		CreditCardID: uuid.NewString(),
		UserID:       c.Param("user_id"),
		State:        "PENDING_VERIFICATION",
		Name:         info.Name,
		ExpMonth:     info.ExpMonth,
		ExpYear:      info.ExpYear,
	}
	if len(info.PAN) >= 4 {
		card.PANLastFour = fmt.Sprintf("************%s", info.PAN[len(info.PAN)-4:])
	}
	c.JSON(http.StatusCreated, card)
}

func (s *Server) requestKey(c *gin.Context) (issuedKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[c.GetHeader(platform.KeyIDHeader)]
	if !ok {
		return issuedKey{}, errUnknownKey
	}
	if s.config.Clock().UnixMilli() >= key.resource.ExpirationTsEpoch {
		return issuedKey{}, errUnknownKey
	}
	return key, nil
}

func (s *Server) consumeFailure(commitID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures[commitID] <= 0 {
		return false
	}
	s.failures[commitID]--
	return true
}
