// internal/worker/client/orchestrator_client.go
// HTTP client the prover node uses to fetch tasks and submit proofs
// Maps orchestrator status codes onto errors the retry loop can branch on

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fengsecao/nexus-cli/internal/worker/constants"
	"github.com/fengsecao/nexus-cli/internal/worker/executor"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// RequestIDHeader correlates client logs with orchestrator logs
	RequestIDHeader = "X-Request-ID"

	fetchTaskPath   = "/v3/tasks"
	submitProofPath = "/v3/tasks/submit"
)

var (
	// ErrRateLimited is wrapped by every RateLimitError
	ErrRateLimited = errors.New("rate limited by orchestrator")

	// ErrNoTaskAvailable means the orchestrator has nothing for this node yet
	ErrNoTaskAvailable = errors.New("no task available")

	// ErrRejected means the orchestrator refused the request; retrying the
	// same request will not help
	ErrRejected = errors.New("request rejected by orchestrator")
)

// RateLimitError is returned for HTTP 429. RetryAfter is zero when the
// orchestrator did not say how long to wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v: retry after %v", ErrRateLimited, e.RetryAfter)
	}
	return ErrRateLimited.Error()
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// Task is a unit of work assigned by the orchestrator
type Task struct {
	ID           string    `json:"task_id"`
	ProgramID    string    `json:"program_id"`
	PublicInputs []byte    `json:"public_inputs"`
	CreatedAt    time.Time `json:"created_at"`
}

type fetchTaskRequest struct {
	NodeID string `json:"node_id"`
}

type submitProofRequest struct {
	TaskID     string `json:"task_id"`
	NodeID     string `json:"node_id"`
	Proof      []byte `json:"proof"`
	ProofHash  string `json:"proof_hash"`
	DurationMs int64  `json:"duration_ms"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// OrchestratorClient talks to the orchestrator over HTTP
// It never retries: pacing and retries belong to the caller
type OrchestratorClient struct {
	nodeID     string
	baseURL    *url.URL
	httpClient *http.Client
	logger     *zap.Logger
}

// NewOrchestratorClient creates a client for the orchestrator at baseURL
func NewOrchestratorClient(
	nodeID string,
	baseURL string,
	timeout time.Duration,
	logger *zap.Logger,
) (*OrchestratorClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid orchestrator url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported orchestrator url scheme: %q", u.Scheme)
	}
	if timeout <= 0 {
		timeout = constants.OrchestratorRequestTimeout
	}

	return &OrchestratorClient{
		nodeID:     nodeID,
		baseURL:    u,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(zap.String("orchestrator", u.Host)),
	}, nil
}

// FetchTask asks the orchestrator for the next task
func (c *OrchestratorClient) FetchTask(ctx context.Context) (*Task, error) {
	resp, err := c.post(ctx, fetchTaskPath, fetchTaskRequest{NodeID: c.nodeID})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch task: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound:
		return nil, ErrNoTaskAvailable
	default:
		return nil, fmt.Errorf("failed to fetch task: %w", statusError(resp))
	}

	var task Task
	body := io.LimitReader(resp.Body, constants.OrchestratorMaxResponseBytes)
	if err := json.NewDecoder(body).Decode(&task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	if task.ID == "" {
		return nil, fmt.Errorf("failed to decode task: missing task_id")
	}

	c.logger.Debug("Task fetched",
		zap.String("task_id", task.ID),
		zap.String("program_id", task.ProgramID),
	)

	return &task, nil
}

// SubmitProof sends a generated proof to the orchestrator
func (c *OrchestratorClient) SubmitProof(ctx context.Context, result executor.TaskResult) error {
	req := submitProofRequest{
		TaskID:     result.TaskID,
		NodeID:     c.nodeID,
		Proof:      result.ProofData,
		ProofHash:  result.ProofHash,
		DurationMs: result.Duration.Milliseconds(),
	}

	resp, err := c.post(ctx, submitProofPath, req)
	if err != nil {
		return fmt.Errorf("failed to submit proof: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("failed to submit proof: %w", statusError(resp))
	}

	c.logger.Debug("Proof submitted",
		zap.String("task_id", result.TaskID),
	)

	return nil
}

func (c *OrchestratorClient) post(ctx context.Context, path string, payload interface{}) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := c.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	requestID := uuid.New().String()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(RequestIDHeader, requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("Orchestrator request failed",
			zap.String("path", path),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return nil, err
	}
	return resp, nil
}

// statusError converts a non-success response into an error
func statusError(resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	}

	msg := readErrorMessage(resp.Body)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, msg)
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
}

func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return "no response body"
	}
	var parsed errorResponse
	if json.Unmarshal(data, &parsed) == nil && parsed.Error != "" {
		return parsed.Error
	}
	return strings.TrimSpace(string(data))
}

// maxRetryAfterSeconds is the largest delay-seconds value a time.Duration holds
const maxRetryAfterSeconds = math.MaxInt64 / int64(time.Second)

// parseRetryAfter accepts delay-seconds or an HTTP date
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		if secs > maxRetryAfterSeconds {
			secs = maxRetryAfterSeconds
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
