package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"kwilt/internal/domain"
)

const handoffColumns = `activity_id, owner_id, execution_target_id, status, handed_off, handed_off_at, blocked_reason,
title_override, problem_statement, desired_outcome, acceptance_criteria_json, verification_steps_json,
do_not_change_json, perf_or_security_notes, links_json, relevant_files_hint_json, examples_json, created_at, updated_at`

func scanHandoff(scan func(dest ...any) error) (domain.TaskHandoff, error) {
	var h domain.TaskHandoff
	var handedOff int
	var handedOffAt, blockedReason, titleOverride, problem, outcome sql.NullString
	var acceptance, verification, doNotChange, perfNotes, links, files, examples sql.NullString
	err := scan(&h.ActivityID, &h.OwnerID, &h.ExecutionTargetID, &h.Status, &handedOff, &handedOffAt, &blockedReason,
		&titleOverride, &problem, &outcome, &acceptance, &verification,
		&doNotChange, &perfNotes, &links, &files, &examples, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return h, err
	}
	h.HandedOff = handedOff != 0
	h.HandedOffAt = strPtrFromNull(handedOffAt)
	h.BlockedReason = strPtrFromNull(blockedReason)
	h.TitleOverride = strPtrFromNull(titleOverride)
	h.ProblemStatement = strPtrFromNull(problem)
	h.DesiredOutcome = strPtrFromNull(outcome)
	h.AcceptanceJSON = strPtrFromNull(acceptance)
	h.VerificationJSON = strPtrFromNull(verification)
	h.DoNotChangeJSON = strPtrFromNull(doNotChange)
	h.PerfOrSecurityNotes = strPtrFromNull(perfNotes)
	h.LinksJSON = strPtrFromNull(links)
	h.RelevantFilesJSON = strPtrFromNull(files)
	h.ExamplesJSON = strPtrFromNull(examples)
	return h, nil
}

// InsertHandoff creates a handoff row. Handoffs are never deleted.
func (r Repo) InsertHandoff(ctx context.Context, h domain.TaskHandoff) error {
	if h.ActivityID == "" || h.OwnerID == "" || h.ExecutionTargetID == "" {
		return errors.New("activity_id, owner_id and execution_target_id required")
	}
	if h.Status == "" {
		h.Status = domain.StatusReady
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if h.CreatedAt == "" {
		h.CreatedAt = now
	}
	if h.UpdatedAt == "" {
		h.UpdatedAt = h.CreatedAt
	}
	handedOff := 0
	if h.HandedOff {
		handedOff = 1
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO task_handoffs(activity_id, owner_id, execution_target_id, status, handed_off, handed_off_at, blocked_reason,
title_override, problem_statement, desired_outcome, acceptance_criteria_json, verification_steps_json,
do_not_change_json, perf_or_security_notes, links_json, relevant_files_hint_json, examples_json, created_at, updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		h.ActivityID, h.OwnerID, h.ExecutionTargetID, h.Status, handedOff, nullableStringPtr(h.HandedOffAt), nullableStringPtr(h.BlockedReason),
		nullableStringPtr(h.TitleOverride), nullableStringPtr(h.ProblemStatement), nullableStringPtr(h.DesiredOutcome),
		nullableStringPtr(h.AcceptanceJSON), nullableStringPtr(h.VerificationJSON), nullableStringPtr(h.DoNotChangeJSON),
		nullableStringPtr(h.PerfOrSecurityNotes), nullableStringPtr(h.LinksJSON), nullableStringPtr(h.RelevantFilesJSON),
		nullableStringPtr(h.ExamplesJSON), h.CreatedAt, h.UpdatedAt)
	return err
}

// MarkHandedOff flips the handed-off gate, making the row visible to the
// executor protocol.
func (r Repo) MarkHandedOff(ctx context.Context, ownerID, activityID, targetID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE task_handoffs SET handed_off=1, handed_off_at=?, updated_at=? WHERE owner_id=? AND activity_id=? AND execution_target_id=?`,
		now, now, ownerID, activityID, targetID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetHandedOff resolves the exact (owner, activity, target) triple. Rows that
// were never handed off are reported as not found.
func (r Repo) GetHandedOff(ctx context.Context, ownerID, activityID, targetID string) (domain.TaskHandoff, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+handoffColumns+` FROM task_handoffs WHERE owner_id=? AND activity_id=? AND execution_target_id=? AND handed_off=1`,
		ownerID, activityID, targetID)
	h, err := scanHandoff(row.Scan)
	if err == sql.ErrNoRows {
		return domain.TaskHandoff{}, ErrNotFound
	}
	return h, err
}

// FindHandedOff returns every handed-off row for (owner, activity) across
// targets. Callers decide how to treat multiple matches.
func (r Repo) FindHandedOff(ctx context.Context, ownerID, activityID string) ([]domain.TaskHandoff, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+handoffColumns+` FROM task_handoffs WHERE owner_id=? AND activity_id=? AND handed_off=1 ORDER BY execution_target_id`,
		ownerID, activityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskHandoff
	for rows.Next() {
		h, err := scanHandoff(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

type HandoffFilters struct {
	OwnerID           string
	ExecutionTargetID string
	Statuses          []string
	Limit             int
}

// ListHandedOff returns handed-off rows for (owner, target) filtered by
// status, oldest-updated first so stale work surfaces before fresh work.
func (r Repo) ListHandedOff(ctx context.Context, f HandoffFilters) ([]domain.TaskHandoff, error) {
	clauses := []string{"owner_id=?", "execution_target_id=?", "handed_off=1"}
	args := []any{f.OwnerID, f.ExecutionTargetID}
	if len(f.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")
		clauses = append(clauses, "status IN ("+placeholders+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	query := `SELECT ` + handoffColumns + ` FROM task_handoffs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY updated_at ASC, activity_id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskHandoff
	for rows.Next() {
		h, err := scanHandoff(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// ListHandoffs returns every handoff row for an owner, handed off or not.
// Administrative view only; the executor protocol never uses it.
func (r Repo) ListHandoffs(ctx context.Context, ownerID string) ([]domain.TaskHandoff, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+handoffColumns+` FROM task_handoffs WHERE owner_id=? ORDER BY created_at DESC, activity_id DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskHandoff
	for rows.Next() {
		h, err := scanHandoff(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// UpdateHandoffStatus persists a status transition. blockedReason is stored
// only for BLOCKED and cleared otherwise; concurrent writers race and the
// last write wins.
func (r Repo) UpdateHandoffStatus(ctx context.Context, ownerID, activityID, targetID, status string, blockedReason *string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	var reason any
	if status == domain.StatusBlocked {
		reason = nullableStringPtr(blockedReason)
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE task_handoffs SET status=?, blocked_reason=?, updated_at=? WHERE owner_id=? AND activity_id=? AND execution_target_id=? AND handed_off=1`,
		status, reason, now, ownerID, activityID, targetID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
