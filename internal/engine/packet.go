package engine

import (
	"encoding/json"

	"kwilt/internal/domain"
)

// TaskSummary is the compact listing view of a handoff.
type TaskSummary struct {
	ActivityID        string  `json:"activity_id"`
	ExecutionTargetID string  `json:"execution_target_id"`
	Title             string  `json:"title"`
	Status            string  `json:"status"`
	BlockedReason     *string `json:"blocked_reason,omitempty"`
	HandedOffAt       *string `json:"handed_off_at,omitempty"`
	UpdatedAt         string  `json:"updated_at"`
}

func summarize(h domain.TaskHandoff, snapshotTitle string) TaskSummary {
	return TaskSummary{
		ActivityID:        h.ActivityID,
		ExecutionTargetID: h.ExecutionTargetID,
		Title:             resolveTitle(h.TitleOverride, snapshotTitle),
		Status:            h.Status,
		BlockedReason:     h.BlockedReason,
		HandedOffAt:       h.HandedOffAt,
		UpdatedAt:         h.UpdatedAt,
	}
}

// WorkPacket is the full read-only payload handed to an executor. Array
// fields are always present and never null so clients skip nil checks.
type WorkPacket struct {
	ActivityID        string  `json:"activity_id"`
	ExecutionTargetID string  `json:"execution_target_id"`
	Title             string  `json:"title"`
	Status            string  `json:"status"`
	BlockedReason     *string `json:"blocked_reason,omitempty"`
	HandedOffAt       *string `json:"handed_off_at,omitempty"`

	Intent           PacketIntent      `json:"intent"`
	DefinitionOfDone PacketDefinition  `json:"definition_of_done"`
	Constraints      PacketConstraints `json:"constraints"`
	Context          PacketContext     `json:"context"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type PacketIntent struct {
	ProblemStatement string `json:"problem_statement"`
	DesiredOutcome   string `json:"desired_outcome"`
}

type PacketDefinition struct {
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	VerificationSteps  []string `json:"verification_steps"`
}

type PacketConstraints struct {
	DoNotChange         []string `json:"do_not_change"`
	PerfOrSecurityNotes string   `json:"perf_or_security_notes"`
}

type PacketContext struct {
	Links             []string `json:"links"`
	RelevantFilesHint []string `json:"relevant_files_hint"`
	Examples          []string `json:"examples"`
}

// BuildWorkPacket is a pure projection of a handoff row plus an optional
// activity snapshot. Title resolution: title_override, then snapshot title,
// then "Untitled".
func BuildWorkPacket(h domain.TaskHandoff, snapshot *domain.Activity) WorkPacket {
	snapshotTitle := ""
	if snapshot != nil {
		snapshotTitle = snapshot.Title
	}
	return WorkPacket{
		ActivityID:        h.ActivityID,
		ExecutionTargetID: h.ExecutionTargetID,
		Title:             resolveTitle(h.TitleOverride, snapshotTitle),
		Status:            h.Status,
		BlockedReason:     h.BlockedReason,
		HandedOffAt:       h.HandedOffAt,
		Intent: PacketIntent{
			ProblemStatement: strOrEmpty(h.ProblemStatement),
			DesiredOutcome:   strOrEmpty(h.DesiredOutcome),
		},
		DefinitionOfDone: PacketDefinition{
			AcceptanceCriteria: decodeStringSlice(h.AcceptanceJSON),
			VerificationSteps:  decodeStringSlice(h.VerificationJSON),
		},
		Constraints: PacketConstraints{
			DoNotChange:         decodeStringSlice(h.DoNotChangeJSON),
			PerfOrSecurityNotes: strOrEmpty(h.PerfOrSecurityNotes),
		},
		Context: PacketContext{
			Links:             decodeStringSlice(h.LinksJSON),
			RelevantFilesHint: decodeStringSlice(h.RelevantFilesJSON),
			Examples:          decodeStringSlice(h.ExamplesJSON),
		},
		CreatedAt: h.CreatedAt,
		UpdatedAt: h.UpdatedAt,
	}
}

func resolveTitle(override *string, snapshotTitle string) string {
	if override != nil && *override != "" {
		return *override
	}
	if snapshotTitle != "" {
		return snapshotTitle
	}
	return "Untitled"
}

func strOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func decodeStringSlice(raw *string) []string {
	if raw == nil || *raw == "" {
		return []string{}
	}
	var arr []string
	if err := json.Unmarshal([]byte(*raw), &arr); err != nil {
		return []string{}
	}
	if arr == nil {
		return []string{}
	}
	return arr
}

// MarshalStringSlice encodes a slice for storage in a JSON text column.
// Empty slices are stored as NULL.
func MarshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}
