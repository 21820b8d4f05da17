package audit

import (
	"context"
	"database/sql"
	"log/slog"
	"time"
)

// Writer appends audit rows for every tool invocation. Writes are
// fire-and-forget: failures are logged locally and never surfaced to the
// request that triggered them.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Entry is the minimal record of one tool call.
type Entry struct {
	OwnerID           string
	ToolName          string
	ExecutionTargetID string
	ActivityID        string
	Summary           string
}

// Record appends one audit row, swallowing any error.
func (w Writer) Record(ctx context.Context, e Entry) {
	if w.DB == nil {
		return
	}
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	_, err := w.DB.ExecContext(ctx, `INSERT INTO audit_log(owner_id, tool_name, execution_target_id, activity_id, summary, created_at) VALUES (?,?,?,?,?,?)`,
		e.OwnerID, e.ToolName, nullable(e.ExecutionTargetID), nullable(e.ActivityID), nullable(e.Summary), ts)
	if err != nil {
		slog.Warn("audit write failed", "tool", e.ToolName, "error", err)
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
