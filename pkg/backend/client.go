// Package backend talks to the hosted backend: PostgREST for rows, an edge
// function for push relay, and the Realtime websocket for change events.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"chatr/internal/constants"
	apperrors "chatr/internal/errors"
	"chatr/internal/models"
	"chatr/pkg/circuitbreaker"
)

const (
	messagesPath     = "/rest/v1/messages"
	participantsPath = "/rest/v1/conversation_participants"
	profilesPath     = "/rest/v1/profiles"
	pushPath         = "/functions/v1/send-push"

	maxErrorBodyBytes = 512
)

// ClientConfig configures the REST client.
type ClientConfig struct {
	URL                       string
	AnonKey                   string
	AccessToken               string
	Timeout                   time.Duration
	CircuitBreakerMaxFailures int
	CircuitBreakerTimeout     time.Duration
}

// Client is the PostgREST and edge-function client.
type Client struct {
	baseURL string
	anonKey string
	http    *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *logrus.Logger

	mu          sync.RWMutex
	accessToken string

	profileMu sync.Mutex
	profiles  map[string]string
}

// NewClient creates a client. httpClient may be nil.
func NewClient(config ClientConfig, httpClient *http.Client, logger *logrus.Logger) *Client {
	if config.Timeout <= 0 {
		config.Timeout = time.Duration(constants.DefaultHTTPTimeoutSec) * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: config.Timeout}
	}
	if config.CircuitBreakerMaxFailures <= 0 {
		config.CircuitBreakerMaxFailures = constants.DefaultCircuitBreakerMaxFailures
	}
	if config.CircuitBreakerTimeout <= 0 {
		config.CircuitBreakerTimeout = time.Duration(constants.DefaultCircuitBreakerTimeoutSec) * time.Second
	}

	return &Client{
		baseURL: strings.TrimSuffix(config.URL, "/"),
		anonKey: config.AnonKey,
		http:    httpClient,
		breaker: circuitbreaker.NewWithLogger(constants.BackendServiceName,
			uint32(config.CircuitBreakerMaxFailures), config.CircuitBreakerTimeout, logger,
			circuitbreaker.WithFailurePredicate(apperrors.IsRetryable)),
		logger:      logger,
		accessToken: config.AccessToken,
		profiles:    make(map[string]string),
	}
}

// SetAccessToken replaces the bearer token used for row-level security.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SetCredentials switches the client to a newly logged-in user. Cached
// display names were resolved under the previous token and are dropped.
func (c *Client) SetCredentials(_ string, token string) {
	c.SetAccessToken(token)

	c.profileMu.Lock()
	c.profiles = make(map[string]string)
	c.profileMu.Unlock()
}

// BreakerStats exposes the circuit breaker for health reporting.
func (c *Client) BreakerStats() circuitbreaker.Stats {
	return c.breaker.GetStats()
}

// InsertMessage writes one outbound message row.
func (c *Client) InsertMessage(ctx context.Context, row models.MessageRow) error {
	return c.do(ctx, http.MethodPost, messagesPath, nil, row, nil, map[string]string{
		"Prefer": "return=minimal",
	})
}

// IsParticipant reports whether userID belongs to the conversation.
func (c *Client) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	query := url.Values{}
	query.Set("conversation_id", "eq."+conversationID)
	query.Set("user_id", "eq."+userID)
	query.Set("select", "user_id")
	query.Set("limit", "1")

	var rows []struct {
		UserID string `json:"user_id"`
	}
	if err := c.do(ctx, http.MethodGet, participantsPath, query, nil, &rows, nil); err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// Participants lists the user ids in a conversation.
func (c *Client) Participants(ctx context.Context, conversationID string) ([]string, error) {
	query := url.Values{}
	query.Set("conversation_id", "eq."+conversationID)
	query.Set("select", "user_id")

	var rows []struct {
		UserID string `json:"user_id"`
	}
	if err := c.do(ctx, http.MethodGet, participantsPath, query, nil, &rows, nil); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.UserID)
	}
	return ids, nil
}

// DisplayName resolves a user's display name, falling back to the username.
// Results are cached for the life of the client.
func (c *Client) DisplayName(ctx context.Context, userID string) (string, error) {
	c.profileMu.Lock()
	name, ok := c.profiles[userID]
	c.profileMu.Unlock()
	if ok {
		return name, nil
	}

	query := url.Values{}
	query.Set("id", "eq."+userID)
	query.Set("select", "display_name,username")

	var rows []struct {
		DisplayName string `json:"display_name"`
		Username    string `json:"username"`
	}
	if err := c.do(ctx, http.MethodGet, profilesPath, query, nil, &rows, nil); err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", apperrors.NewNotFoundError("profile", userID)
	}

	name = rows[0].DisplayName
	if name == "" {
		name = rows[0].Username
	}

	c.profileMu.Lock()
	c.profiles[userID] = name
	c.profileMu.Unlock()
	return name, nil
}

// SendPush asks the push relay to alert users whose app is closed.
func (c *Client) SendPush(ctx context.Context, req models.PushRequest) error {
	if len(req.UserIDs) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, pushPath, nil, req, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any, headers map[string]string) error {
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.roundTrip(ctx, method, path, query, body, out, headers)
	})
	if circuitbreaker.IsCircuitBreakerError(err) {
		return apperrors.WrapRetryable(err, apperrors.ErrCodeBackendAPI, "backend temporarily unavailable").
			WithContext("endpoint", path).
			WithUserMessage("The server is unavailable right now")
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body, out any, headers map[string]string) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "failed to marshal request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternalError, "failed to create request")
	}
	c.setHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	c.logger.WithFields(logrus.Fields{
		"method":   method,
		"endpoint": path,
	}).Debug("Backend request")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperrors.NewNetworkError(constants.BackendServiceName, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		apiErr := apperrors.NewAPIError(constants.BackendServiceName, path, resp.StatusCode,
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			apiErr.WithUserMessage("Your session has expired, please sign in again")
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeBackendAPI, "failed to decode backend response").
			WithContext("endpoint", path)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	c.mu.RLock()
	token := c.accessToken
	c.mu.RUnlock()

	req.Header.Set("apikey", c.anonKey)
	if token == "" {
		token = c.anonKey
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
}
