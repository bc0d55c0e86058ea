package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"project-board-sync/internal/domain"
	"project-board-sync/internal/metrics"
	"project-board-sync/internal/response"
)

// BoardClient stores and loads whole board snapshots
type BoardClient interface {
	// Persist saves snap and returns the stored snapshot with its new version
	Persist(ctx context.Context, snap domain.Snapshot) (domain.Snapshot, error)
	// Fetch loads the latest snapshot of a project
	Fetch(ctx context.Context, projectID string) (domain.Snapshot, error)
}

// TokenSource returns the bearer token sent with every request
type TokenSource func() (string, error)

// StaticToken always returns token
func StaticToken(token string) TokenSource {
	return func() (string, error) { return token, nil }
}

type boardClient struct {
	baseURL    string
	token      TokenSource
	httpClient *http.Client
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewBoardClient creates a snapshot client for the relay board API at baseURL
func NewBoardClient(baseURL string, token TokenSource, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) BoardClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if token == nil {
		token = StaticToken("")
	}
	return &boardClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger:  logger,
		metrics: m,
	}
}

type snapshotEnvelope struct {
	Data domain.Snapshot `json:"data"`
}

func (c *boardClient) Persist(ctx context.Context, snap domain.Snapshot) (domain.Snapshot, error) {
	if snap.ProjectID == "" {
		return domain.Snapshot{}, response.NewAppError(response.ErrCodeValidation, "Snapshot has no project", "")
	}

	body, err := json.Marshal(snap)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	stored, err := c.do(ctx, http.MethodPut, snap.ProjectID, body)
	if err != nil {
		return domain.Snapshot{}, err
	}

	c.logger.Debug("Board snapshot persisted",
		zap.String("project_id", snap.ProjectID),
		zap.Int64("version", stored.Version),
		zap.Int("columns", len(snap.Columns)),
		zap.Int("items", len(snap.Items)),
	)
	return stored, nil
}

func (c *boardClient) Fetch(ctx context.Context, projectID string) (domain.Snapshot, error) {
	if projectID == "" {
		return domain.Snapshot{}, response.NewAppError(response.ErrCodeValidation, "Project ID is required", "")
	}
	return c.do(ctx, http.MethodGet, projectID, nil)
}

func (c *boardClient) do(ctx context.Context, method, projectID string, body []byte) (domain.Snapshot, error) {
	endpoint := fmt.Sprintf("%s/projects/%s/board", c.baseURL, url.PathEscape(projectID))

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return domain.Snapshot{}, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	token, err := c.token()
	if err != nil {
		return domain.Snapshot{}, response.WrapAppError(response.ErrCodeUnauthorized, "Failed to obtain access token", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)

	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}
	c.metrics.RecordExternalAPICall(req.URL.Path, method, statusCode, duration, err)

	if err != nil {
		c.logger.Warn("Board request failed",
			zap.String("method", method),
			zap.String("project_id", projectID),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return domain.Snapshot{}, response.WrapAppError(response.ErrCodeConnection, "Board backend unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.Snapshot{}, c.statusError(resp, method, projectID)
	}

	var envelope snapshotEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return domain.Snapshot{}, response.WrapAppError(response.ErrCodeCommit, "Invalid board response", err)
	}
	if envelope.Data.ProjectID == "" {
		envelope.Data.ProjectID = projectID
	}
	return envelope.Data, nil
}

func (c *boardClient) statusError(resp *http.Response, method, projectID string) error {
	var body response.ErrorBody
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	message := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		message = body.Error.Message
	}

	c.logger.Warn("Board backend returned non-success status",
		zap.String("method", method),
		zap.String("project_id", projectID),
		zap.Int("status_code", resp.StatusCode),
		zap.String("message", message),
	)

	switch resp.StatusCode {
	case http.StatusNotFound:
		return response.NewAppError(response.ErrCodeNotFound, "Board not found", message)
	case http.StatusUnauthorized:
		return response.NewAppError(response.ErrCodeUnauthorized, "Board backend rejected the token", message)
	case http.StatusForbidden:
		return response.NewAppError(response.ErrCodeForbidden, "Board backend denied access", message)
	}
	return response.NewAppError(response.ErrCodeCommit, fmt.Sprintf("Board backend returned status %d", resp.StatusCode), message)
}
