package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"kwilt/internal/domain"
	"kwilt/internal/repo"
)

const (
	maxProgressMessageLen = 2000
	maxArtifactContentLen = 5000
	maxEmbeddedArtifacts  = 5

	defaultTaskLimit = 20
	maxTaskLimit     = 100

	defaultTargetLimit = 50
	maxTargetLimit     = 200
)

// ErrAmbiguousTask is returned when an activity id resolves to handoffs on
// more than one execution target. Callers must retry with an explicit
// execution_target_id.
var ErrAmbiguousTask = errors.New("task is handed off to multiple execution targets; specify execution_target_id")

// InvalidArgError marks caller mistakes that are detected before any write.
type InvalidArgError struct {
	Msg string
}

func (e InvalidArgError) Error() string { return e.Msg }

func invalidArg(format string, args ...any) error {
	return InvalidArgError{Msg: fmt.Sprintf(format, args...)}
}

// Engine applies the handoff state machine and the ledger rules on top of
// the owner-scoped store. It holds no request state; every call carries the
// resolved owner id.
type Engine struct {
	DB   *sql.DB
	Repo repo.Repo
	Now  func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:   db,
		Repo: repo.Repo{DB: db},
		Now:  time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// resolveHandoff finds the single handed-off row for (owner, activity),
// optionally pinned to a target. A non-handed-off row is indistinguishable
// from a nonexistent one, and two matches are an error, never a guess.
func (e Engine) resolveHandoff(ctx context.Context, ownerID, activityID, targetID string) (domain.TaskHandoff, error) {
	if activityID == "" {
		return domain.TaskHandoff{}, invalidArg("task_id is required")
	}
	if targetID != "" {
		return e.Repo.GetHandedOff(ctx, ownerID, activityID, targetID)
	}
	matches, err := e.Repo.FindHandedOff(ctx, ownerID, activityID)
	if err != nil {
		return domain.TaskHandoff{}, err
	}
	switch len(matches) {
	case 0:
		return domain.TaskHandoff{}, repo.ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return domain.TaskHandoff{}, ErrAmbiguousTask
	}
}

type ListTargetsOptions struct {
	Kind  string
	Limit int
}

// ListExecutionTargets returns the owner's enabled targets, newest first.
func (e Engine) ListExecutionTargets(ctx context.Context, ownerID string, opts ListTargetsOptions) ([]domain.ExecutionTarget, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultTargetLimit
	}
	if limit > maxTargetLimit {
		limit = maxTargetLimit
	}
	targets, err := e.Repo.ListExecutionTargets(ctx, repo.TargetFilters{
		OwnerID:     ownerID,
		Kind:        opts.Kind,
		EnabledOnly: true,
		Limit:       limit,
	})
	if err != nil {
		return nil, err
	}
	if targets == nil {
		targets = []domain.ExecutionTarget{}
	}
	return targets, nil
}

// RepoContext is the executor-facing view of one target's working notes.
type RepoContext struct {
	ExecutionTargetID string `json:"execution_target_id"`
	Kind              string `json:"kind"`
	DisplayName       string `json:"display_name"`
	Config            string `json:"config"`
	Requirements      string `json:"requirements"`
	Playbook          string `json:"playbook"`
}

// GetRepoContext returns a single target's config, requirements and playbook.
func (e Engine) GetRepoContext(ctx context.Context, ownerID, targetID string) (RepoContext, error) {
	if targetID == "" {
		return RepoContext{}, invalidArg("execution_target_id is required")
	}
	t, err := e.Repo.GetExecutionTarget(ctx, ownerID, targetID)
	if err != nil {
		return RepoContext{}, err
	}
	return RepoContext{
		ExecutionTargetID: t.ID,
		Kind:              t.Kind,
		DisplayName:       t.DisplayName,
		Config:            t.Config,
		Requirements:      t.Requirements,
		Playbook:          t.Playbook,
	}, nil
}

type ListTasksOptions struct {
	ExecutionTargetID string
	Statuses          []string
	Limit             int
	// HandedOffOnly mirrors the wire parameter. The protocol only serves the
	// handed-off view; asking for anything else is rejected.
	HandedOffOnly *bool
}

// ListTasks returns handed-off task summaries for (owner, target), oldest
// updated first. DONE tasks are excluded unless asked for explicitly.
func (e Engine) ListTasks(ctx context.Context, ownerID string, opts ListTasksOptions) ([]TaskSummary, error) {
	if opts.ExecutionTargetID == "" {
		return nil, invalidArg("execution_target_id is required")
	}
	if opts.HandedOffOnly != nil && !*opts.HandedOffOnly {
		return nil, invalidArg("only the handed-off view is supported")
	}
	statuses := opts.Statuses
	if len(statuses) == 0 {
		statuses = []string{domain.StatusReady, domain.StatusInProgress, domain.StatusBlocked}
	}
	for _, s := range statuses {
		if !domain.ValidStatus(s) {
			return nil, invalidArg("invalid status %q", s)
		}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultTaskLimit
	}
	if limit > maxTaskLimit {
		limit = maxTaskLimit
	}
	handoffs, err := e.Repo.ListHandedOff(ctx, repo.HandoffFilters{
		OwnerID:           ownerID,
		ExecutionTargetID: opts.ExecutionTargetID,
		Statuses:          statuses,
		Limit:             limit,
	})
	if err != nil {
		return nil, err
	}
	summaries := make([]TaskSummary, 0, len(handoffs))
	for _, h := range handoffs {
		title := ""
		if a, err := e.Repo.GetActivity(ctx, ownerID, h.ActivityID); err == nil {
			title = a.Title
		}
		summaries = append(summaries, summarize(h, title))
	}
	return summaries, nil
}

// GetTask resolves a handoff (applying the ambiguity rule when no target is
// given) and projects it into a work packet.
func (e Engine) GetTask(ctx context.Context, ownerID, activityID, targetID string) (WorkPacket, error) {
	h, err := e.resolveHandoff(ctx, ownerID, activityID, targetID)
	if err != nil {
		return WorkPacket{}, err
	}
	var snapshot *domain.Activity
	if a, err := e.Repo.GetActivity(ctx, ownerID, h.ActivityID); err == nil {
		snapshot = &a
	}
	return BuildWorkPacket(h, snapshot), nil
}

// SetStatus validates and persists a status transition. BLOCKED requires a
// reason; leaving BLOCKED clears the stored reason. Concurrent writers race
// and the last write wins.
func (e Engine) SetStatus(ctx context.Context, ownerID, activityID, targetID, status, reason string) (TaskSummary, error) {
	status = strings.ToUpper(strings.TrimSpace(status))
	if !domain.ValidStatus(status) {
		return TaskSummary{}, invalidArg("invalid status %q; expected one of READY, IN_PROGRESS, BLOCKED, DONE", status)
	}
	if status == domain.StatusBlocked && strings.TrimSpace(reason) == "" {
		return TaskSummary{}, invalidArg("reason is required when setting status BLOCKED")
	}
	h, err := e.resolveHandoff(ctx, ownerID, activityID, targetID)
	if err != nil {
		return TaskSummary{}, err
	}
	var blockedReason *string
	if status == domain.StatusBlocked {
		trimmed := strings.TrimSpace(reason)
		blockedReason = &trimmed
	}
	if err := e.Repo.UpdateHandoffStatus(ctx, ownerID, h.ActivityID, h.ExecutionTargetID, status, blockedReason); err != nil {
		return TaskSummary{}, err
	}
	updated, err := e.Repo.GetHandedOff(ctx, ownerID, h.ActivityID, h.ExecutionTargetID)
	if err != nil {
		return TaskSummary{}, err
	}
	title := ""
	if a, err := e.Repo.GetActivity(ctx, ownerID, updated.ActivityID); err == nil {
		title = a.Title
	}
	return summarize(updated, title), nil
}

// ArtifactInput is one artifact embedded in a progress post.
type ArtifactInput struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type PostProgressOptions struct {
	ActivityID        string
	ExecutionTargetID string
	Message           string
	Percent           *int
	Artifacts         []ArtifactInput
}

// ProgressResult reports what the ledger actually recorded.
type ProgressResult struct {
	Entry            domain.ProgressEntry `json:"entry"`
	ArtifactsSaved   int                  `json:"artifacts_saved"`
	ArtifactsDropped int                  `json:"artifacts_dropped"`
}

// PostProgress appends a progress entry plus up to five embedded artifacts.
// The message is truncated, the percent clamped; malformed embedded artifacts
// are dropped without failing the post.
func (e Engine) PostProgress(ctx context.Context, ownerID string, opts PostProgressOptions) (ProgressResult, error) {
	if strings.TrimSpace(opts.Message) == "" {
		return ProgressResult{}, invalidArg("message is required")
	}
	if len(opts.Artifacts) > maxEmbeddedArtifacts {
		return ProgressResult{}, invalidArg("at most %d artifacts per progress post", maxEmbeddedArtifacts)
	}
	h, err := e.resolveHandoff(ctx, ownerID, opts.ActivityID, opts.ExecutionTargetID)
	if err != nil {
		return ProgressResult{}, err
	}
	message := truncate(opts.Message, maxProgressMessageLen)
	percent := opts.Percent
	if percent != nil {
		v := clamp(*percent, 0, 100)
		percent = &v
	}
	now := e.now().UTC().Format(time.RFC3339)
	entry, err := e.Repo.InsertProgress(ctx, domain.ProgressEntry{
		OwnerID:           ownerID,
		ActivityID:        h.ActivityID,
		ExecutionTargetID: h.ExecutionTargetID,
		Message:           message,
		Percent:           percent,
		CreatedAt:         now,
	})
	if err != nil {
		return ProgressResult{}, err
	}
	result := ProgressResult{Entry: entry}
	for _, in := range opts.Artifacts {
		if strings.TrimSpace(in.Type) == "" || strings.TrimSpace(in.Content) == "" || !domain.ValidArtifactType(in.Type) {
			result.ArtifactsDropped++
			continue
		}
		artifact := domain.Artifact{
			ID:                uuid.NewString(),
			OwnerID:           ownerID,
			ActivityID:        h.ActivityID,
			ExecutionTargetID: h.ExecutionTargetID,
			Type:              in.Type,
			Content:           truncate(in.Content, maxArtifactContentLen),
			CreatedAt:         now,
		}
		if err := e.Repo.InsertArtifact(ctx, artifact); err != nil {
			return result, err
		}
		result.ArtifactsSaved++
	}
	return result, nil
}

// AttachArtifact appends a standalone artifact. Unlike embedded artifacts,
// an invalid type or empty content is an error here.
func (e Engine) AttachArtifact(ctx context.Context, ownerID, activityID, targetID string, in ArtifactInput) (domain.Artifact, error) {
	if strings.TrimSpace(in.Type) == "" || strings.TrimSpace(in.Content) == "" {
		return domain.Artifact{}, invalidArg("artifact type and content are required")
	}
	if !domain.ValidArtifactType(in.Type) {
		return domain.Artifact{}, invalidArg("invalid artifact type %q", in.Type)
	}
	h, err := e.resolveHandoff(ctx, ownerID, activityID, targetID)
	if err != nil {
		return domain.Artifact{}, err
	}
	artifact := domain.Artifact{
		ID:                uuid.NewString(),
		OwnerID:           ownerID,
		ActivityID:        h.ActivityID,
		ExecutionTargetID: h.ExecutionTargetID,
		Type:              in.Type,
		Content:           truncate(in.Content, maxArtifactContentLen),
		CreatedAt:         e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertArtifact(ctx, artifact); err != nil {
		return domain.Artifact{}, err
	}
	return artifact, nil
}

// truncate caps s at max bytes without splitting a multibyte rune, so the
// stored prefix is always valid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
