package kwiltsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Client is a minimal kwilt JSON-RPC client for executors. It speaks the
// tools/call protocol against a single endpoint using a bearer PAT.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration

	nextID atomic.Int64
}

// New creates a client with sane defaults. baseURL is the full RPC endpoint,
// e.g. "http://127.0.0.1:8787/rpc".
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		Timeout: 10 * time.Second,
	}
}

// Task is the compact listing view of a handed-off task.
type Task struct {
	ActivityID        string  `json:"activity_id"`
	ExecutionTargetID string  `json:"execution_target_id"`
	Title             string  `json:"title"`
	Status            string  `json:"status"`
	BlockedReason     *string `json:"blocked_reason,omitempty"`
	HandedOffAt       *string `json:"handed_off_at,omitempty"`
	UpdatedAt         string  `json:"updated_at"`
}

// WorkPacket is the full read-only task payload.
type WorkPacket struct {
	ActivityID        string  `json:"activity_id"`
	ExecutionTargetID string  `json:"execution_target_id"`
	Title             string  `json:"title"`
	Status            string  `json:"status"`
	BlockedReason     *string `json:"blocked_reason,omitempty"`
	HandedOffAt       *string `json:"handed_off_at,omitempty"`
	Intent            struct {
		ProblemStatement string `json:"problem_statement"`
		DesiredOutcome   string `json:"desired_outcome"`
	} `json:"intent"`
	DefinitionOfDone struct {
		AcceptanceCriteria []string `json:"acceptance_criteria"`
		VerificationSteps  []string `json:"verification_steps"`
	} `json:"definition_of_done"`
	Constraints struct {
		DoNotChange         []string `json:"do_not_change"`
		PerfOrSecurityNotes string   `json:"perf_or_security_notes"`
	} `json:"constraints"`
	Context struct {
		Links             []string `json:"links"`
		RelevantFilesHint []string `json:"relevant_files_hint"`
		Examples          []string `json:"examples"`
	} `json:"context"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// ExecutionTarget is a place work can be handed to.
type ExecutionTarget struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	DisplayName string `json:"display_name"`
	IsEnabled   bool   `json:"is_enabled"`
}

// RepoContext carries one target's working notes.
type RepoContext struct {
	ExecutionTargetID string `json:"execution_target_id"`
	Kind              string `json:"kind"`
	DisplayName       string `json:"display_name"`
	Config            string `json:"config"`
	Requirements      string `json:"requirements"`
	Playbook          string `json:"playbook"`
}

// Artifact is one attached deliverable.
type Artifact struct {
	ID                string `json:"id"`
	ActivityID        string `json:"activity_id"`
	ExecutionTargetID string `json:"execution_target_id"`
	Type              string `json:"type"`
	Content           string `json:"content"`
	CreatedAt         string `json:"created_at"`
}

// ArtifactInput is one artifact to attach or embed in a progress post.
type ArtifactInput struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// ProgressEntry is one recorded progress update.
type ProgressEntry struct {
	ID                int64  `json:"id"`
	ActivityID        string `json:"activity_id"`
	ExecutionTargetID string `json:"execution_target_id"`
	Message           string `json:"message"`
	Percent           *int   `json:"percent,omitempty"`
	CreatedAt         string `json:"created_at"`
}

// ProgressResult reports what the ledger actually recorded.
type ProgressResult struct {
	Entry            ProgressEntry `json:"entry"`
	ArtifactsSaved   int           `json:"artifacts_saved"`
	ArtifactsDropped int           `json:"artifacts_dropped"`
}

// APIError wraps transport-level failures: real HTTP statuses like 401 or
// 503 that never reach the JSON-RPC envelope.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RPCError wraps envelope-level failures carried inside an HTTP 200.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ListTasks lists handed-off tasks for a target, oldest updated first.
func (c *Client) ListTasks(ctx context.Context, targetID string, statuses []string, limit int) ([]Task, error) {
	args := map[string]any{"execution_target_id": targetID}
	if len(statuses) > 0 {
		args["statuses"] = statuses
	}
	if limit > 0 {
		args["limit"] = limit
	}
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	err := c.call(ctx, "list_tasks", args, &resp)
	return resp.Tasks, err
}

// GetTask fetches a task's work packet. targetID may be empty when the task
// is handed off to exactly one target.
func (c *Client) GetTask(ctx context.Context, taskID, targetID string) (WorkPacket, error) {
	args := map[string]any{"task_id": taskID}
	if targetID != "" {
		args["execution_target_id"] = targetID
	}
	var resp WorkPacket
	err := c.call(ctx, "get_task", args, &resp)
	return resp, err
}

// SetStatus transitions a task. reason is required for BLOCKED.
func (c *Client) SetStatus(ctx context.Context, taskID, targetID, status, reason string) (Task, error) {
	args := map[string]any{"task_id": taskID, "status": status}
	if targetID != "" {
		args["execution_target_id"] = targetID
	}
	if reason != "" {
		args["reason"] = reason
	}
	var resp struct {
		Task Task `json:"task"`
	}
	err := c.call(ctx, "set_status", args, &resp)
	return resp.Task, err
}

// PostProgress appends a progress update with optional embedded artifacts.
func (c *Client) PostProgress(ctx context.Context, taskID, targetID, message string, percent *int, artifacts []ArtifactInput) (ProgressResult, error) {
	args := map[string]any{"task_id": taskID, "message": message}
	if targetID != "" {
		args["execution_target_id"] = targetID
	}
	if percent != nil {
		args["percent"] = *percent
	}
	if len(artifacts) > 0 {
		args["artifacts"] = artifacts
	}
	var resp ProgressResult
	err := c.call(ctx, "post_progress", args, &resp)
	return resp, err
}

// AttachArtifact attaches a standalone artifact to a task.
func (c *Client) AttachArtifact(ctx context.Context, taskID, targetID string, in ArtifactInput) (Artifact, error) {
	args := map[string]any{"task_id": taskID, "type": in.Type, "content": in.Content}
	if targetID != "" {
		args["execution_target_id"] = targetID
	}
	var resp struct {
		Artifact Artifact `json:"artifact"`
	}
	err := c.call(ctx, "attach_artifact", args, &resp)
	return resp.Artifact, err
}

// ListExecutionTargets lists the caller's enabled targets.
func (c *Client) ListExecutionTargets(ctx context.Context, kind string, limit int) ([]ExecutionTarget, error) {
	args := map[string]any{}
	if kind != "" {
		args["kind"] = kind
	}
	if limit > 0 {
		args["limit"] = limit
	}
	var resp struct {
		ExecutionTargets []ExecutionTarget `json:"execution_targets"`
	}
	err := c.call(ctx, "list_execution_targets", args, &resp)
	return resp.ExecutionTargets, err
}

// GetRepoContext fetches a target's config, requirements and playbook.
func (c *Client) GetRepoContext(ctx context.Context, targetID string) (RepoContext, error) {
	var resp RepoContext
	err := c.call(ctx, "get_repo_context", map[string]any{"execution_target_id": targetID}, &resp)
	return resp, err
}

// call performs one tools/call round trip and decodes the tool payload
// from the first content item of the result.
func (c *Client) call(ctx context.Context, tool string, args map[string]any, out any) error {
	params := map[string]any{"name": tool, "arguments": args}
	raw, err := c.rpc(ctx, "tools/call", params)
	if err != nil {
		return err
	}
	var result struct {
		Content []struct {
			Type string          `json:"type"`
			JSON json.RawMessage `json:"json"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return err
	}
	if len(result.Content) == 0 {
		return fmt.Errorf("empty tool result for %s", tool)
	}
	if out != nil {
		return json.Unmarshal(result.Content[0].JSON, out)
	}
	return nil
}

func (c *Client) rpc(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	reqBody := map[string]any{
		"jsonrpc": "2.0",
		"id":      c.nextID.Add(1),
		"method":  method,
	}
	if params != nil {
		reqBody["params"] = params
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(reqBody); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/"), &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, err
	}
	if envelope.Error != nil {
		return nil, envelope.Error
	}
	return envelope.Result, nil
}
