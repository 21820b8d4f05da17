package domain

// Handoff status values. DONE is not terminal; executors reopen work by
// setting any valid status.
const (
	StatusReady      = "READY"
	StatusInProgress = "IN_PROGRESS"
	StatusBlocked    = "BLOCKED"
	StatusDone       = "DONE"
)

// ValidStatus reports whether s is a known handoff status.
func ValidStatus(s string) bool {
	switch s {
	case StatusReady, StatusInProgress, StatusBlocked, StatusDone:
		return true
	}
	return false
}

// ArtifactTypes an executor may attach.
var ArtifactTypes = []string{"diff_summary", "file_list", "commands_run", "pr_url", "commit_hash", "notes"}

// ValidArtifactType reports whether t is a known artifact type.
func ValidArtifactType(t string) bool {
	for _, known := range ArtifactTypes {
		if t == known {
			return true
		}
	}
	return false
}

// PersonalAccessToken is a long-lived bearer credential. Only the SHA-256
// hash of the secret is ever stored.
type PersonalAccessToken struct {
	ID         string  `json:"id"`
	OwnerID    string  `json:"owner_id"`
	Name       string  `json:"name,omitempty"`
	TokenHash  string  `json:"token_hash"`
	RevokedAt  *string `json:"revoked_at,omitempty" format:"date-time"`
	LastUsedAt *string `json:"last_used_at,omitempty" format:"date-time"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

// ExecutionTarget is an installed executor that can pull an owner's tasks.
// Created and owned outside the RPC surface, which only reads it.
type ExecutionTarget struct {
	ID           string `json:"id"`
	OwnerID      string `json:"owner_id"`
	Kind         string `json:"kind"`
	DisplayName  string `json:"display_name"`
	IsEnabled    bool   `json:"is_enabled"`
	Config       string `json:"config,omitempty"`
	Requirements string `json:"requirements,omitempty"`
	Playbook     string `json:"playbook,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

// Activity is the externally owned task snapshot a handoff points at.
type Activity struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// TaskHandoff gates whether a task is visible to an execution target. The
// same activity may be handed off independently to several targets; lookups
// by activity id alone must surface that ambiguity.
type TaskHandoff struct {
	ActivityID          string  `json:"activity_id"`
	OwnerID             string  `json:"owner_id"`
	ExecutionTargetID   string  `json:"execution_target_id"`
	Status              string  `json:"status" enum:"READY,IN_PROGRESS,BLOCKED,DONE"`
	HandedOff           bool    `json:"handed_off"`
	HandedOffAt         *string `json:"handed_off_at,omitempty" format:"date-time"`
	BlockedReason       *string `json:"blocked_reason,omitempty"`
	TitleOverride       *string `json:"title_override,omitempty"`
	ProblemStatement    *string `json:"problem_statement,omitempty"`
	DesiredOutcome      *string `json:"desired_outcome,omitempty"`
	AcceptanceJSON      *string `json:"acceptance_criteria_json,omitempty"`
	VerificationJSON    *string `json:"verification_steps_json,omitempty"`
	DoNotChangeJSON     *string `json:"do_not_change_json,omitempty"`
	PerfOrSecurityNotes *string `json:"perf_or_security_notes,omitempty"`
	LinksJSON           *string `json:"links_json,omitempty"`
	RelevantFilesJSON   *string `json:"relevant_files_hint_json,omitempty"`
	ExamplesJSON        *string `json:"examples_json,omitempty"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
	UpdatedAt           string  `json:"updated_at" format:"date-time"`
}

// ProgressEntry is one append-only execution update.
type ProgressEntry struct {
	ID                int64  `json:"id"`
	OwnerID           string `json:"owner_id"`
	ActivityID        string `json:"activity_id"`
	ExecutionTargetID string `json:"execution_target_id"`
	Message           string `json:"message"`
	Percent           *int   `json:"percent,omitempty"`
	CreatedAt         string `json:"created_at" format:"date-time"`
}

// Artifact is one append-only execution output.
type Artifact struct {
	ID                string `json:"id"`
	OwnerID           string `json:"owner_id"`
	ActivityID        string `json:"activity_id"`
	ExecutionTargetID string `json:"execution_target_id"`
	Type              string `json:"type" enum:"diff_summary,file_list,commands_run,pr_url,commit_hash,notes"`
	Content           string `json:"content"`
	CreatedAt         string `json:"created_at" format:"date-time"`
}

// AuditEntry records one tool invocation. Best-effort; never read on the
// request path.
type AuditEntry struct {
	ID                int64  `json:"id"`
	OwnerID           string `json:"owner_id"`
	ToolName          string `json:"tool_name"`
	ExecutionTargetID string `json:"execution_target_id,omitempty"`
	ActivityID        string `json:"activity_id,omitempty"`
	Summary           string `json:"summary,omitempty"`
	CreatedAt         string `json:"created_at" format:"date-time"`
}
