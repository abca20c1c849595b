// Package platform talks to the provisioning platform REST API: commit pages, commit
// confirmations, encryption keys, and encrypted credential creation.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sesync/internal/commits"
	"github.com/MarcoPoloResearchLab/sesync/internal/envelope"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// KeyIDHeader names the active encryption key on every keyed request.
	KeyIDHeader = "fp-key-id"

	defaultHTTPTimeout = 30 * time.Second
	maxErrorBodyBytes  = 4096
)

var (
	// ErrInvalidClientConfig indicates unusable client configuration.
	ErrInvalidClientConfig = errors.New("platform: invalid client config")

	errMissingBaseURL   = errors.New("base url is required")
	errMissingKeySource = errors.New("platform: key source is required for keyed requests")
)

// HTTPError is returned for every non-2xx platform response.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("platform: %s %s returned status %d", e.Method, e.URL, e.StatusCode)
}

// KeySource supplies the encryption key id attached to keyed requests.
type KeySource interface {
	CurrentKeyID(ctx context.Context) (string, error)
}

// Encrypter seals a payload under the active key and reports the key id it used.
type Encrypter interface {
	Encrypt(ctx context.Context, payload any) (string, string, error)
}

// ClientConfig bundles the settings required to build a Client.
type ClientConfig struct {
	BaseURL           string
	AccessToken       string
	HTTPClient        *http.Client
	RequestsPerSecond float64
	Burst             int
	Logger            *zap.Logger
}

// Client is a platform API client. It is safe for concurrent use.
type Client struct {
	baseURL     *url.URL
	accessToken string
	httpClient  *http.Client
	limiter     *rate.Limiter
	keys        KeySource
	logger      *zap.Logger
}

// NewClient validates cfg and returns a Client without a key source.
func NewClient(cfg ClientConfig) (*Client, error) {
	rawBaseURL := strings.TrimSpace(cfg.BaseURL)
	if rawBaseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingBaseURL)
	}
	baseURL, err := url.Parse(strings.TrimRight(rawBaseURL, "/") + "/")
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("%w: base url %q", ErrInvalidClientConfig, rawBaseURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:     baseURL,
		accessToken: strings.TrimSpace(cfg.AccessToken),
		httpClient:  httpClient,
		limiter:     rate.NewLimiter(limit, burst),
		logger:      logger,
	}, nil
}

// WithKeySource returns a copy of the client that stamps keyed requests with the key id
// reported by keys. The copy shares the rate limiter.
func (c *Client) WithKeySource(keys KeySource) *Client {
	copied := *c
	copied.keys = keys
	return &copied
}

type commitPage struct {
	Results      []commits.Commit `json:"results"`
	TotalResults int              `json:"totalResults,omitempty"`
}

// ListCommits fetches one page of commits after request.After.
func (c *Client) ListCommits(ctx context.Context, request commits.ListCommitsRequest) ([]commits.Commit, error) {
	query := url.Values{}
	if after := strings.TrimSpace(request.After); after != "" {
		query.Set("commitsAfter", after)
	}
	query.Set("limit", strconv.Itoa(request.Limit))
	query.Set("offset", strconv.Itoa(request.Offset))

	endpoint := c.endpoint("users", request.UserID, "devices", request.DeviceID, "commits")
	endpoint.RawQuery = query.Encode()

	var page commitPage
	if err := c.do(ctx, call{method: http.MethodGet, url: endpoint.String(), keyed: true, out: &page}); err != nil {
		return nil, err
	}
	if page.Results == nil {
		return []commits.Commit{}, nil
	}
	return page.Results, nil
}

type confirmBody struct {
	Result commits.ConfirmResult `json:"result"`
}

// ConfirmCommit posts a lifecycle outcome to a commit's confirm link.
func (c *Client) ConfirmCommit(ctx context.Context, link string, result commits.ConfirmResult) error {
	target, err := c.resolve(link)
	if err != nil {
		return err
	}
	return c.do(ctx, call{method: http.MethodPost, url: target, keyed: true, body: confirmBody{Result: result}})
}

// SendApduResponse posts an APDU package outcome to a commit's apduResponse link.
func (c *Client) SendApduResponse(ctx context.Context, link string, result commits.ApduExecutionResult) error {
	target, err := c.resolve(link)
	if err != nil {
		return err
	}
	return c.do(ctx, call{method: http.MethodPost, url: target, keyed: true, body: result})
}

// EncryptionKeyResource is the platform's encryption key representation.
type EncryptionKeyResource struct {
	KeyID             string `json:"keyId"`
	ServerPublicKey   string `json:"serverPublicKey"`
	ClientPublicKey   string `json:"clientPublicKey"`
	CreatedTsEpoch    int64  `json:"createdTsEpoch,omitempty"`
	ExpirationTsEpoch int64  `json:"expirationTsEpoch,omitempty"`
}

// EncryptionKey converts the resource into the envelope key type.
func (resource EncryptionKeyResource) EncryptionKey() envelope.EncryptionKey {
	key := envelope.EncryptionKey{
		KeyID:           resource.KeyID,
		ServerPublicKey: resource.ServerPublicKey,
		ClientPublicKey: resource.ClientPublicKey,
	}
	if resource.CreatedTsEpoch > 0 {
		key.CreatedAt = time.UnixMilli(resource.CreatedTsEpoch).UTC()
	}
	if resource.ExpirationTsEpoch > 0 {
		key.ExpiresAt = time.UnixMilli(resource.ExpirationTsEpoch).UTC()
	}
	return key
}

// CreateEncryptionKey registers clientPublicKey and returns the platform's half.
func (c *Client) CreateEncryptionKey(ctx context.Context, clientPublicKey string) (envelope.EncryptionKey, error) {
	var resource EncryptionKeyResource
	err := c.do(ctx, call{
		method: http.MethodPost,
		url:    c.endpoint("config", "encryptionKeys").String(),
		body:   map[string]string{"clientPublicKey": clientPublicKey},
		out:    &resource,
	})
	if err != nil {
		return envelope.EncryptionKey{}, err
	}
	return resource.EncryptionKey(), nil
}

// GetEncryptionKey reads a key resource.
func (c *Client) GetEncryptionKey(ctx context.Context, keyID string) (envelope.EncryptionKey, error) {
	var resource EncryptionKeyResource
	err := c.do(ctx, call{
		method: http.MethodGet,
		url:    c.endpoint("config", "encryptionKeys", keyID).String(),
		out:    &resource,
	})
	if err != nil {
		return envelope.EncryptionKey{}, err
	}
	return resource.EncryptionKey(), nil
}

// DeleteEncryptionKey retires a key resource.
func (c *Client) DeleteEncryptionKey(ctx context.Context, keyID string) error {
	return c.do(ctx, call{
		method: http.MethodDelete,
		url:    c.endpoint("config", "encryptionKeys", keyID).String(),
	})
}

// CreditCardInfo is the sensitive card data sealed for credential creation.
type CreditCardInfo struct {
	PAN      string  `json:"pan"`
	CVV      string  `json:"cvv"`
	ExpMonth int     `json:"expMonth"`
	ExpYear  int     `json:"expYear"`
	Name     string  `json:"name"`
	Address  Address `json:"address"`
}

// Address is the billing address attached to CreditCardInfo.
type Address struct {
	Street1    string `json:"street1,omitempty"`
	Street2    string `json:"street2,omitempty"`
	City       string `json:"city,omitempty"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"countryCode,omitempty"`
}

type encryptedBody struct {
	EncryptedData string `json:"encryptedData"`
}

// CreateCreditCard seals info with encrypter and registers the card for userID.
func (c *Client) CreateCreditCard(ctx context.Context, userID string, encrypter Encrypter, info CreditCardInfo) (commits.CreditCard, error) {
	if encrypter == nil {
		return commits.CreditCard{}, errMissingKeySource
	}
	compact, keyID, err := encrypter.Encrypt(ctx, info)
	if err != nil {
		return commits.CreditCard{}, err
	}
	var card commits.CreditCard
	err = c.do(ctx, call{
		method: http.MethodPost,
		url:    c.endpoint("users", userID, "creditCards").String(),
		keyID:  keyID,
		body:   encryptedBody{EncryptedData: compact},
		out:    &card,
	})
	if err != nil {
		return commits.CreditCard{}, err
	}
	return card, nil
}

type call struct {
	method string
	url    string
	keyed  bool
	keyID  string
	body   any
	out    any
}

func (c *Client) do(ctx context.Context, request call) error {
	keyID := request.keyID
	if keyID == "" && request.keyed {
		if c.keys == nil {
			return errMissingKeySource
		}
		current, err := c.keys.CurrentKeyID(ctx)
		if err != nil {
			return err
		}
		keyID = current
	}

	var payload io.Reader
	if request.body != nil {
		encoded, err := json.Marshal(request.body)
		if err != nil {
			return fmt.Errorf("platform: encode request: %w", err)
		}
		payload = bytes.NewReader(encoded)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	httpRequest, err := http.NewRequestWithContext(ctx, request.method, request.url, payload)
	if err != nil {
		return err
	}
	httpRequest.Header.Set("Accept", "application/json")
	if payload != nil {
		httpRequest.Header.Set("Content-Type", "application/json")
	}
	if c.accessToken != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+c.accessToken)
	}
	if keyID != "" {
		httpRequest.Header.Set(KeyIDHeader, keyID)
	}

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		httpErr := &HTTPError{
			Method:     request.method,
			URL:        request.url,
			StatusCode: response.StatusCode,
			Body:       string(body),
		}
		c.logger.Debug("platform request failed",
			zap.String("method", request.method),
			zap.String("url", request.url),
			zap.Int("status", response.StatusCode))
		return httpErr
	}

	if request.out == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(request.out); err != nil {
		return fmt.Errorf("platform: decode %s %s: %w", request.method, request.url, err)
	}
	return nil
}

func (c *Client) endpoint(segments ...string) *url.URL {
	return c.baseURL.JoinPath(segments...)
}

// resolve turns a hypermedia link into an absolute URL; relative links resolve against the
// base URL.
func (c *Client) resolve(link string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(link))
	if err != nil || (parsed.Path == "" && parsed.Host == "") {
		return "", fmt.Errorf("platform: invalid link %q", link)
	}
	if parsed.IsAbs() {
		return parsed.String(), nil
	}
	parsed.Path = strings.TrimPrefix(parsed.Path, "/")
	return c.baseURL.ResolveReference(parsed).String(), nil
}
