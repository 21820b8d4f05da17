package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"kwilt/internal/db"
	"kwilt/internal/domain"
	"kwilt/internal/engine"
	"kwilt/internal/migrate"
	"kwilt/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	if _, err := db.EnsureWorkspace(dir); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn)
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func seedTarget(t *testing.T, env testEnv, owner, id string) {
	t.Helper()
	now := "2025-06-01T00:00:00Z"
	err := env.Engine.Repo.InsertExecutionTarget(env.Ctx, domain.ExecutionTarget{
		ID: id, OwnerID: owner, Kind: "repo", DisplayName: id,
		IsEnabled: true, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed target %s: %v", id, err)
	}
}

func seedActivity(t *testing.T, env testEnv, owner, id, title string) {
	t.Helper()
	err := env.Engine.Repo.InsertActivity(env.Ctx, domain.Activity{
		ID: id, OwnerID: owner, Title: title, CreatedAt: "2025-06-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("seed activity %s: %v", id, err)
	}
}

func seedHandoff(t *testing.T, env testEnv, owner, activityID, targetID string, handedOff bool) {
	t.Helper()
	now := "2025-06-01T00:00:00Z"
	h := domain.TaskHandoff{
		ActivityID:        activityID,
		OwnerID:           owner,
		ExecutionTargetID: targetID,
		Status:            domain.StatusReady,
		HandedOff:         handedOff,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if handedOff {
		h.HandedOffAt = &now
	}
	if err := env.Engine.Repo.InsertHandoff(env.Ctx, h); err != nil {
		t.Fatalf("seed handoff %s/%s: %v", activityID, targetID, err)
	}
}

func TestListTasksDefaultExcludesDone(t *testing.T) {
	env := newTestEnv(t)
	seedTarget(t, env, "alice", "tgt-1")
	seedActivity(t, env, "alice", "act-1", "Open task")
	seedActivity(t, env, "alice", "act-2", "Finished task")
	seedHandoff(t, env, "alice", "act-1", "tgt-1", true)
	seedHandoff(t, env, "alice", "act-2", "tgt-1", true)
	if _, err := env.Engine.SetStatus(env.Ctx, "alice", "act-2", "tgt-1", "DONE", ""); err != nil {
		t.Fatalf("set done: %v", err)
	}

	tasks, err := env.Engine.ListTasks(env.Ctx, "alice", engine.ListTasksOptions{ExecutionTargetID: "tgt-1"})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ActivityID != "act-1" {
		t.Fatalf("expected only act-1, got %+v", tasks)
	}

	done, err := env.Engine.ListTasks(env.Ctx, "alice", engine.ListTasksOptions{
		ExecutionTargetID: "tgt-1",
		Statuses:          []string{"DONE"},
	})
	if err != nil {
		t.Fatalf("list done: %v", err)
	}
	if len(done) != 1 || done[0].ActivityID != "act-2" {
		t.Fatalf("expected act-2 in done view, got %+v", done)
	}
}

func TestListTasksRejectsNonHandedOffView(t *testing.T) {
	env := newTestEnv(t)
	seedTarget(t, env, "alice", "tgt-1")
	notHandedOff := false
	_, err := env.Engine.ListTasks(env.Ctx, "alice", engine.ListTasksOptions{
		ExecutionTargetID: "tgt-1",
		HandedOffOnly:     &notHandedOff,
	})
	var ia engine.InvalidArgError
	if !errors.As(err, &ia) {
		t.Fatalf("expected invalid arg error, got %v", err)
	}
}

func TestNonHandedOffIsInvisible(t *testing.T) {
	env := newTestEnv(t)
	seedTarget(t, env, "alice", "tgt-1")
	seedActivity(t, env, "alice", "act-1", "Drafted")
	seedHandoff(t, env, "alice", "act-1", "tgt-1", false)

	if _, err := env.Engine.GetTask(env.Ctx, "alice", "act-1", ""); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for non-handed-off task, got %v", err)
	}
	tasks, err := env.Engine.ListTasks(env.Ctx, "alice", engine.ListTasksOptions{ExecutionTargetID: "tgt-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("expected empty list, got %+v", tasks)
	}
}

func TestAmbiguousTaskResolution(t *testing.T) {
	env := newTestEnv(t)
	seedTarget(t, env, "alice", "tgt-1")
	seedTarget(t, env, "alice", "tgt-2")
	seedActivity(t, env, "alice", "act-1", "Fan out")
	seedHandoff(t, env, "alice", "act-1", "tgt-1", true)
	seedHandoff(t, env, "alice", "act-1", "tgt-2", true)

	if _, err := env.Engine.GetTask(env.Ctx, "alice", "act-1", ""); !errors.Is(err, engine.ErrAmbiguousTask) {
		t.Fatalf("expected ambiguity error, got %v", err)
	}
	packet, err := env.Engine.GetTask(env.Ctx, "alice", "act-1", "tgt-2")
	if err != nil {
		t.Fatalf("pinned get: %v", err)
	}
	if packet.ExecutionTargetID != "tgt-2" {
		t.Fatalf("expected tgt-2 packet, got %s", packet.ExecutionTargetID)
	}
}

func TestCrossOwnerLooksLikeMissing(t *testing.T) {
	env := newTestEnv(t)
	seedTarget(t, env, "alice", "tgt-1")
	seedActivity(t, env, "alice", "act-1", "Private")
	seedHandoff(t, env, "alice", "act-1", "tgt-1", true)

	if _, err := env.Engine.GetTask(env.Ctx, "mallory", "act-1", "tgt-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found across owners, got %v", err)
	}
	if _, err := env.Engine.GetRepoContext(env.Ctx, "mallory", "tgt-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected target not found across owners, got %v", err)
	}
}

func TestSetStatusBlockedReason(t *testing.T) {
	env := newTestEnv(t)
	seedTarget(t, env, "alice", "tgt-1")
	seedActivity(t, env, "alice", "act-1", "Blockable")
	seedHandoff(t, env, "alice", "act-1", "tgt-1", true)

	if _, err := env.Engine.SetStatus(env.Ctx, "alice", "act-1", "", "BLOCKED", "  "); err == nil {
		t.Fatalf("expected reason required for BLOCKED")
	}
	blocked, err := env.Engine.SetStatus(env.Ctx, "alice", "act-1", "", "blocked", "missing API key")
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if blocked.Status != domain.StatusBlocked || blocked.BlockedReason == nil || *blocked.BlockedReason != "missing API key" {
		t.Fatalf("expected stored reason, got %+v", blocked)
	}
	resumed, err := env.Engine.SetStatus(env.Ctx, "alice", "act-1", "", "IN_PROGRESS", "")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != domain.StatusInProgress || resumed.BlockedReason != nil {
		t.Fatalf("expected cleared reason, got %+v", resumed)
	}
	if _, err := env.Engine.SetStatus(env.Ctx, "alice", "act-1", "", "SHIPPED", ""); err == nil {
		t.Fatalf("expected invalid status error")
	}
}

func TestDoneIsNotTerminal(t *testing.T) {
	env := newTestEnv(t)
	seedTarget(t, env, "alice", "tgt-1")
	seedActivity(t, env, "alice", "act-1", "Reopenable")
	seedHandoff(t, env, "alice", "act-1", "tgt-1", true)

	if _, err := env.Engine.SetStatus(env.Ctx, "alice", "act-1", "", "DONE", ""); err != nil {
		t.Fatalf("to done: %v", err)
	}
	reopened, err := env.Engine.SetStatus(env.Ctx, "alice", "act-1", "", "READY", "")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Status != domain.StatusReady {
		t.Fatalf("expected READY after reopen, got %s", reopened.Status)
	}
}

func TestListTasksOldestUpdatedFirst(t *testing.T) {
	env := newTestEnv(t)
	seedTarget(t, env, "alice", "tgt-1")
	seedActivity(t, env, "alice", "act-1", "Stale")
	seedActivity(t, env, "alice", "act-2", "Staler")
	handedOffAt := "2025-06-01T00:00:00Z"
	for _, seed := range []struct{ activityID, updatedAt string }{
		{"act-1", "2025-06-01T00:00:02Z"},
		{"act-2", "2025-06-01T00:00:01Z"},
	} {
		err := env.Engine.Repo.InsertHandoff(env.Ctx, domain.TaskHandoff{
			ActivityID:        seed.activityID,
			OwnerID:           "alice",
			ExecutionTargetID: "tgt-1",
			Status:            domain.StatusReady,
			HandedOff:         true,
			HandedOffAt:       &handedOffAt,
			CreatedAt:         handedOffAt,
			UpdatedAt:         seed.updatedAt,
		})
		if err != nil {
			t.Fatalf("seed handoff %s: %v", seed.activityID, err)
		}
	}

	tasks, err := env.Engine.ListTasks(env.Ctx, "alice", engine.ListTasksOptions{ExecutionTargetID: "tgt-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ActivityID != "act-2" || tasks[1].ActivityID != "act-1" {
		t.Fatalf("expected oldest-updated first (act-2, act-1), got %+v", tasks)
	}

	// touching a task moves it to the back of the queue
	if _, err := env.Engine.SetStatus(env.Ctx, "alice", "act-2", "tgt-1", "IN_PROGRESS", ""); err != nil {
		t.Fatalf("touch: %v", err)
	}
	tasks, err = env.Engine.ListTasks(env.Ctx, "alice", engine.ListTasksOptions{ExecutionTargetID: "tgt-1"})
	if err != nil {
		t.Fatalf("list after touch: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ActivityID != "act-1" || tasks[1].ActivityID != "act-2" {
		t.Fatalf("expected act-2 moved to the back, got %+v", tasks)
	}
}

func TestPostProgressTruncatesAndClamps(t *testing.T) {
	env := newTestEnv(t)
	seedTarget(t, env, "alice", "tgt-1")
	seedActivity(t, env, "alice", "act-1", "Noisy")
	seedHandoff(t, env, "alice", "act-1", "tgt-1", true)

	over := 150
	res, err := env.Engine.PostProgress(env.Ctx, "alice", engine.PostProgressOptions{
		ActivityID: "act-1",
		Message:    strings.Repeat("x", 3000),
		Percent:    &over,
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if len(res.Entry.Message) != 2000 {
		t.Fatalf("expected 2000-char message, got %d", len(res.Entry.Message))
	}
	if res.Entry.Percent == nil || *res.Entry.Percent != 100 {
		t.Fatalf("expected percent clamped to 100, got %v", res.Entry.Percent)
	}

	under := -5
	res, err = env.Engine.PostProgress(env.Ctx, "alice", engine.PostProgressOptions{
		ActivityID: "act-1",
		Message:    "going backwards",
		Percent:    &under,
	})
	if err != nil {
		t.Fatalf("post negative: %v", err)
	}
	if res.Entry.Percent == nil || *res.Entry.Percent != 0 {
		t.Fatalf("expected percent clamped to 0, got %v", res.Entry.Percent)
	}

	if _, err := env.Engine.PostProgress(env.Ctx, "alice", engine.PostProgressOptions{ActivityID: "act-1"}); err == nil {
		t.Fatalf("expected message required")
	}
}

func TestTruncationKeepsValidUTF8(t *testing.T) {
	env := newTestEnv(t)
	seedTarget(t, env, "alice", "tgt-1")
	seedActivity(t, env, "alice", "act-1", "Multibyte")
	seedHandoff(t, env, "alice", "act-1", "tgt-1", true)

	// the final rune straddles the byte cap and must be dropped whole
	res, err := env.Engine.PostProgress(env.Ctx, "alice", engine.PostProgressOptions{
		ActivityID: "act-1",
		Message:    strings.Repeat("x", 1999) + "é",
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if !utf8.ValidString(res.Entry.Message) {
		t.Fatalf("stored message is not valid UTF-8")
	}
	if len(res.Entry.Message) != 1999 {
		t.Fatalf("expected 1999 bytes after dropping the split rune, got %d", len(res.Entry.Message))
	}

	a, err := env.Engine.AttachArtifact(env.Ctx, "alice", "act-1", "", engine.ArtifactInput{
		Type:    "notes",
		Content: strings.Repeat("d", 4999) + "日",
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !utf8.ValidString(a.Content) {
		t.Fatalf("stored content is not valid UTF-8")
	}
	if len(a.Content) != 4999 {
		t.Fatalf("expected 4999 bytes after dropping the split rune, got %d", len(a.Content))
	}
}

func TestPostProgressEmbeddedArtifacts(t *testing.T) {
	env := newTestEnv(t)
	seedTarget(t, env, "alice", "tgt-1")
	seedActivity(t, env, "alice", "act-1", "Artful")
	seedHandoff(t, env, "alice", "act-1", "tgt-1", true)

	res, err := env.Engine.PostProgress(env.Ctx, "alice", engine.PostProgressOptions{
		ActivityID: "act-1",
		Message:    "halfway",
		Artifacts: []engine.ArtifactInput{
			{Type: "notes", Content: "works on my machine"},
			{Type: "hologram", Content: "nope"},
			{Type: "pr_url", Content: ""},
		},
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if res.ArtifactsSaved != 1 || res.ArtifactsDropped != 2 {
		t.Fatalf("expected 1 saved / 2 dropped, got %d/%d", res.ArtifactsSaved, res.ArtifactsDropped)
	}

	six := make([]engine.ArtifactInput, 6)
	for i := range six {
		six[i] = engine.ArtifactInput{Type: "notes", Content: "n"}
	}
	_, err = env.Engine.PostProgress(env.Ctx, "alice", engine.PostProgressOptions{
		ActivityID: "act-1",
		Message:    "too many",
		Artifacts:  six,
	})
	var ia engine.InvalidArgError
	if !errors.As(err, &ia) {
		t.Fatalf("expected rejection above artifact cap, got %v", err)
	}
	// the rejected post must not have written anything
	entries, err := env.Engine.Repo.ListProgress(env.Ctx, "alice", "act-1", 0)
	if err != nil {
		t.Fatalf("list progress: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected single progress entry, got %d", len(entries))
	}
}

func TestAttachArtifactValidation(t *testing.T) {
	env := newTestEnv(t)
	seedTarget(t, env, "alice", "tgt-1")
	seedActivity(t, env, "alice", "act-1", "Deliverable")
	seedHandoff(t, env, "alice", "act-1", "tgt-1", true)

	if _, err := env.Engine.AttachArtifact(env.Ctx, "alice", "act-1", "", engine.ArtifactInput{Type: "hologram", Content: "x"}); err == nil {
		t.Fatalf("expected invalid type rejection")
	}
	if _, err := env.Engine.AttachArtifact(env.Ctx, "alice", "act-1", "", engine.ArtifactInput{Type: "notes", Content: ""}); err == nil {
		t.Fatalf("expected empty content rejection")
	}
	a, err := env.Engine.AttachArtifact(env.Ctx, "alice", "act-1", "", engine.ArtifactInput{
		Type:    "diff_summary",
		Content: strings.Repeat("d", 6000),
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if len(a.Content) != 5000 {
		t.Fatalf("expected content truncated to 5000, got %d", len(a.Content))
	}
}

func TestBuildWorkPacket(t *testing.T) {
	acceptance := `["tests pass","lints clean"]`
	override := "Do the thing"
	h := domain.TaskHandoff{
		ActivityID:        "act-1",
		OwnerID:           "alice",
		ExecutionTargetID: "tgt-1",
		Status:            domain.StatusReady,
		HandedOff:         true,
		TitleOverride:     &override,
		AcceptanceJSON:    &acceptance,
		CreatedAt:         "2025-06-01T00:00:00Z",
		UpdatedAt:         "2025-06-01T00:00:00Z",
	}
	packet := engine.BuildWorkPacket(h, &domain.Activity{ID: "act-1", Title: "Snapshot title"})
	if packet.Title != "Do the thing" {
		t.Fatalf("override should win, got %q", packet.Title)
	}
	if len(packet.DefinitionOfDone.AcceptanceCriteria) != 2 {
		t.Fatalf("expected decoded acceptance criteria, got %+v", packet.DefinitionOfDone)
	}
	// every array field is non-nil even when the column is NULL
	if packet.Context.Links == nil || packet.Context.Examples == nil || packet.Constraints.DoNotChange == nil {
		t.Fatalf("expected non-nil arrays, got %+v", packet)
	}

	h.TitleOverride = nil
	packet = engine.BuildWorkPacket(h, &domain.Activity{ID: "act-1", Title: "Snapshot title"})
	if packet.Title != "Snapshot title" {
		t.Fatalf("snapshot should win without override, got %q", packet.Title)
	}
	packet = engine.BuildWorkPacket(h, nil)
	if packet.Title != "Untitled" {
		t.Fatalf("expected Untitled fallback, got %q", packet.Title)
	}
}
