package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"kwilt/internal/audit"
	"kwilt/internal/engine"
	"kwilt/internal/repo"
)

// toolSpec ties together everything one tool needs: the catalog entry for
// tools/list and the handler for tools/call. A single table drives both so
// the two can never drift apart.
type toolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handle      func(ctx context.Context, s *Server, ownerID string, args json.RawMessage, entry *audit.Entry) (any, error)
}

var toolCatalog = []toolSpec{
	{
		Name:        "list_execution_targets",
		Description: "List the caller's enabled execution targets, newest first.",
		InputSchema: objectSchema(map[string]any{
			"kind":  prop("string", "Filter by target kind."),
			"limit": prop("integer", "Maximum number of targets to return."),
		}, nil),
		Handle: handleListTargets,
	},
	{
		Name:        "get_repo_context",
		Description: "Fetch one execution target's config, requirements and playbook notes.",
		InputSchema: objectSchema(map[string]any{
			"execution_target_id": prop("string", "Target to describe."),
		}, []string{"execution_target_id"}),
		Handle: handleGetRepoContext,
	},
	{
		Name:        "list_tasks",
		Description: "List handed-off tasks for an execution target, oldest updated first. DONE tasks are excluded unless requested via statuses.",
		InputSchema: objectSchema(map[string]any{
			"execution_target_id":  prop("string", "Target whose queue to list."),
			"statuses":             arrayProp("string", "Statuses to include. Defaults to READY, IN_PROGRESS, BLOCKED."),
			"limit":                prop("integer", "Maximum number of tasks to return."),
			"handed_off_to_cursor": prop("boolean", "Must be true or omitted; only the handed-off view exists."),
		}, []string{"execution_target_id"}),
		Handle: handleListTasks,
	},
	{
		Name:        "get_task",
		Description: "Fetch the full work packet for a handed-off task.",
		InputSchema: objectSchema(map[string]any{
			"task_id":             prop("string", "Activity id of the task."),
			"execution_target_id": prop("string", "Required when the task is handed off to more than one target."),
		}, []string{"task_id"}),
		Handle: handleGetTask,
	},
	{
		Name:        "set_status",
		Description: "Transition a task between READY, IN_PROGRESS, BLOCKED and DONE. BLOCKED requires a reason.",
		InputSchema: objectSchema(map[string]any{
			"task_id":             prop("string", "Activity id of the task."),
			"execution_target_id": prop("string", "Required when the task is handed off to more than one target."),
			"status":              prop("string", "New status: READY, IN_PROGRESS, BLOCKED or DONE."),
			"reason":              prop("string", "Why the task is blocked. Required for BLOCKED, ignored otherwise."),
		}, []string{"task_id", "status"}),
		Handle: handleSetStatus,
	},
	{
		Name:        "post_progress",
		Description: "Append a progress update, optionally with up to 5 embedded artifacts. Messages over 2000 characters are truncated; percent is clamped to 0-100.",
		InputSchema: objectSchema(map[string]any{
			"task_id":             prop("string", "Activity id of the task."),
			"execution_target_id": prop("string", "Required when the task is handed off to more than one target."),
			"message":             prop("string", "Progress note."),
			"percent":             prop("integer", "Completion estimate, 0-100."),
			"artifacts": map[string]any{
				"type":        "array",
				"description": "Embedded artifacts, at most 5. Invalid items are dropped, not fatal.",
				"items":       artifactSchema(),
			},
		}, []string{"task_id", "message"}),
		Handle: handlePostProgress,
	},
	{
		Name:        "attach_artifact",
		Description: "Attach a standalone artifact (diff, log, note, ...) to a handed-off task.",
		InputSchema: objectSchema(map[string]any{
			"task_id":             prop("string", "Activity id of the task."),
			"execution_target_id": prop("string", "Required when the task is handed off to more than one target."),
			"type":                prop("string", "Artifact type."),
			"content":             prop("string", "Artifact body. Truncated at 5000 characters."),
		}, []string{"task_id", "type", "content"}),
		Handle: handleAttachArtifact,
	},
}

func listTools() []map[string]any {
	out := make([]map[string]any, 0, len(toolCatalog))
	for _, t := range toolCatalog {
		out = append(out, map[string]any{
			"name":        toolPrefix + t.Name,
			"description": t.Description,
			"inputSchema": t.InputSchema,
		})
	}
	return out
}

func mapToolError(err error) *rpcError {
	var ia engine.InvalidArgError
	if errors.As(err, &ia) {
		return &rpcError{Code: errCodeInvalidParams, Message: ia.Msg}
	}
	if errors.Is(err, engine.ErrAmbiguousTask) {
		return &rpcError{Code: errCodeNotFound, Message: engine.ErrAmbiguousTask.Error()}
	}
	if errors.Is(err, repo.ErrNotFound) {
		return &rpcError{Code: errCodeNotFound, Message: "not found"}
	}
	return &rpcError{Code: errCodeInternal, Message: err.Error()}
}

func decodeArgs(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return engine.InvalidArgError{Msg: "invalid arguments: " + err.Error()}
	}
	return nil
}

func handleListTargets(ctx context.Context, s *Server, ownerID string, raw json.RawMessage, entry *audit.Entry) (any, error) {
	var args struct {
		Kind  string `json:"kind"`
		Limit int    `json:"limit"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	targets, err := s.engine.ListExecutionTargets(ctx, ownerID, engine.ListTargetsOptions{
		Kind:  args.Kind,
		Limit: args.Limit,
	})
	if err != nil {
		return nil, err
	}
	entry.Summary = fmt.Sprintf("listed %d targets", len(targets))
	return map[string]any{"execution_targets": targets}, nil
}

func handleGetRepoContext(ctx context.Context, s *Server, ownerID string, raw json.RawMessage, entry *audit.Entry) (any, error) {
	var args struct {
		ExecutionTargetID string `json:"execution_target_id"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	entry.ExecutionTargetID = args.ExecutionTargetID
	rc, err := s.engine.GetRepoContext(ctx, ownerID, args.ExecutionTargetID)
	if err != nil {
		return nil, err
	}
	return rc, nil
}

func handleListTasks(ctx context.Context, s *Server, ownerID string, raw json.RawMessage, entry *audit.Entry) (any, error) {
	var args struct {
		ExecutionTargetID string   `json:"execution_target_id"`
		Statuses          []string `json:"statuses"`
		Limit             int      `json:"limit"`
		HandedOffToCursor *bool    `json:"handed_off_to_cursor"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	entry.ExecutionTargetID = args.ExecutionTargetID
	tasks, err := s.engine.ListTasks(ctx, ownerID, engine.ListTasksOptions{
		ExecutionTargetID: args.ExecutionTargetID,
		Statuses:          args.Statuses,
		Limit:             args.Limit,
		HandedOffOnly:     args.HandedOffToCursor,
	})
	if err != nil {
		return nil, err
	}
	entry.Summary = fmt.Sprintf("listed %d tasks", len(tasks))
	return map[string]any{"tasks": tasks}, nil
}

func handleGetTask(ctx context.Context, s *Server, ownerID string, raw json.RawMessage, entry *audit.Entry) (any, error) {
	var args struct {
		TaskID            string `json:"task_id"`
		ExecutionTargetID string `json:"execution_target_id"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	entry.ActivityID = args.TaskID
	entry.ExecutionTargetID = args.ExecutionTargetID
	packet, err := s.engine.GetTask(ctx, ownerID, args.TaskID, args.ExecutionTargetID)
	if err != nil {
		return nil, err
	}
	entry.ExecutionTargetID = packet.ExecutionTargetID
	return packet, nil
}

func handleSetStatus(ctx context.Context, s *Server, ownerID string, raw json.RawMessage, entry *audit.Entry) (any, error) {
	var args struct {
		TaskID            string `json:"task_id"`
		ExecutionTargetID string `json:"execution_target_id"`
		Status            string `json:"status"`
		Reason            string `json:"reason"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	entry.ActivityID = args.TaskID
	entry.ExecutionTargetID = args.ExecutionTargetID
	summary, err := s.engine.SetStatus(ctx, ownerID, args.TaskID, args.ExecutionTargetID, args.Status, args.Reason)
	if err != nil {
		return nil, err
	}
	entry.ExecutionTargetID = summary.ExecutionTargetID
	entry.Summary = "status -> " + summary.Status
	return map[string]any{"task": summary}, nil
}

func handlePostProgress(ctx context.Context, s *Server, ownerID string, raw json.RawMessage, entry *audit.Entry) (any, error) {
	var args struct {
		TaskID            string                 `json:"task_id"`
		ExecutionTargetID string                 `json:"execution_target_id"`
		Message           string                 `json:"message"`
		Percent           *int                   `json:"percent"`
		Artifacts         []engine.ArtifactInput `json:"artifacts"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	entry.ActivityID = args.TaskID
	entry.ExecutionTargetID = args.ExecutionTargetID
	result, err := s.engine.PostProgress(ctx, ownerID, engine.PostProgressOptions{
		ActivityID:        args.TaskID,
		ExecutionTargetID: args.ExecutionTargetID,
		Message:           args.Message,
		Percent:           args.Percent,
		Artifacts:         args.Artifacts,
	})
	if err != nil {
		return nil, err
	}
	entry.ExecutionTargetID = result.Entry.ExecutionTargetID
	entry.Summary = fmt.Sprintf("progress recorded, %d artifacts saved, %d dropped", result.ArtifactsSaved, result.ArtifactsDropped)
	return result, nil
}

func handleAttachArtifact(ctx context.Context, s *Server, ownerID string, raw json.RawMessage, entry *audit.Entry) (any, error) {
	var args struct {
		TaskID            string `json:"task_id"`
		ExecutionTargetID string `json:"execution_target_id"`
		Type              string `json:"type"`
		Content           string `json:"content"`
	}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	entry.ActivityID = args.TaskID
	entry.ExecutionTargetID = args.ExecutionTargetID
	artifact, err := s.engine.AttachArtifact(ctx, ownerID, args.TaskID, args.ExecutionTargetID, engine.ArtifactInput{
		Type:    args.Type,
		Content: args.Content,
	})
	if err != nil {
		return nil, err
	}
	entry.ExecutionTargetID = artifact.ExecutionTargetID
	entry.Summary = "artifact " + artifact.Type + " attached"
	return map[string]any{"artifact": artifact}, nil
}

func objectSchema(props map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func arrayProp(itemType, desc string) map[string]any {
	return map[string]any{
		"type":        "array",
		"description": desc,
		"items":       map[string]any{"type": itemType},
	}
}

func artifactSchema() map[string]any {
	return objectSchema(map[string]any{
		"type":    prop("string", "Artifact type."),
		"content": prop("string", "Artifact body."),
	}, []string{"type", "content"})
}
