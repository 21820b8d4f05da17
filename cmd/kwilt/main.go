package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kwilt/internal/audit"
	"kwilt/internal/config"
	"kwilt/internal/db"
	"kwilt/internal/domain"
	"kwilt/internal/engine"
	"kwilt/internal/migrate"
	"kwilt/internal/repo"
	"kwilt/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "kwilt",
	Short: "Kwilt CLI",
	Long: `Kwilt hands tasks off to coding agents over a JSON-RPC API.
- Workspace: your .kwilt directory holding the database.
- Execution targets: the repos/agents work can be handed to.
- Tasks: activities handed off to a target with a full work packet
  (intent, definition of done, constraints, context).
- Statuses flow READY -> IN_PROGRESS <-> BLOCKED -> DONE.
- Agents report back with progress posts and artifacts.
- PATs: bearer tokens agents authenticate with; only the hash is stored.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("KWILT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("owner", "local-user", "owner identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("owner", rootCmd.PersistentFlags().Lookup("owner"))
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(patCmd())
	rootCmd.AddCommand(targetCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				fmt.Println("database is up to date:", db.Path(viper.GetString("workspace")))
				return nil
			})
		},
	}
}

func patCmd() *cobra.Command {
	pat := &cobra.Command{Use: "pat", Short: "Manage personal access tokens"}
	pat.AddCommand(patCreateCmd())
	pat.AddCommand(patListCmd())
	pat.AddCommand(patRevokeCmd())
	return pat
}

func patCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a personal access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret, err := newTokenSecret()
				if err != nil {
					return err
				}
				pat := domain.PersonalAccessToken{
					ID:        uuid.NewString(),
					OwnerID:   viper.GetString("owner"),
					Name:      name,
					TokenHash: repo.HashToken(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertPAT(ctx, pat); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": pat.ID, "name": pat.Name, "token": secret})
				}
				fmt.Println("Token created. Store it now, it is not shown again:")
				fmt.Println(secret)
				fmt.Println("id:", pat.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "token label")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func patListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List personal access tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				pats, err := r.ListPATs(ctx, viper.GetString("owner"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pats)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created", "Last used", "Revoked"})
				for _, p := range pats {
					tw.AppendRow(table.Row{p.ID, p.Name, p.CreatedAt, strOr(p.LastUsedAt, "-"), strOr(p.RevokedAt, "-")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func patRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a personal access token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.RevokePAT(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked:", args[0])
				return nil
			})
		},
	}
}

func targetCmd() *cobra.Command {
	target := &cobra.Command{
		Use:   "target",
		Short: "Manage execution targets",
		Long:  "Execution targets are the places work gets handed to: a repo wired to a coding agent, a CI environment, a sandbox.",
	}
	target.AddCommand(targetAddCmd())
	target.AddCommand(targetListCmd())
	target.AddCommand(targetEnableCmd(true))
	target.AddCommand(targetEnableCmd(false))
	return target
}

func targetAddCmd() *cobra.Command {
	var id, kind, name, cfg, requirements, playbook string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an execution target",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if id == "" {
					id = uuid.NewString()
				}
				now := time.Now().UTC().Format(time.RFC3339)
				t := domain.ExecutionTarget{
					ID:           id,
					OwnerID:      viper.GetString("owner"),
					Kind:         kind,
					DisplayName:  name,
					IsEnabled:    true,
					Config:       cfg,
					Requirements: requirements,
					Playbook:     playbook,
					CreatedAt:    now,
					UpdatedAt:    now,
				}
				if err := r.InsertExecutionTarget(ctx, t); err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "target id (generated if empty)")
	cmd.Flags().StringVar(&kind, "kind", "repo", "target kind")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&cfg, "config", "", "target config notes")
	cmd.Flags().StringVar(&requirements, "requirements", "", "environment requirements")
	cmd.Flags().StringVar(&playbook, "playbook", "", "working playbook for agents")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func targetListCmd() *cobra.Command {
	var kind string
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List execution targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				targets, err := r.ListExecutionTargets(ctx, repo.TargetFilters{
					OwnerID:     viper.GetString("owner"),
					Kind:        kind,
					EnabledOnly: !all,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(targets)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Name", "Enabled"})
				for _, t := range targets {
					tw.AppendRow(table.Row{t.ID, t.Kind, t.DisplayName, t.IsEnabled})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "filter by kind")
	cmd.Flags().BoolVar(&all, "all", false, "include disabled targets")
	return cmd
}

func targetEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <id>", "Enable an execution target"
	if !enable {
		use, short = "disable <id>", "Disable an execution target"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.SetTargetEnabled(ctx, viper.GetString("owner"), args[0], enable)
			})
		},
	}
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks and handoffs",
	}
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskHandoffCmd())
	task.AddCommand(taskListCmd())
	return task
}

func taskAddCmd() *cobra.Command {
	var id, title, description string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create an activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if id == "" {
					id = uuid.NewString()
				}
				a := domain.Activity{
					ID:          id,
					OwnerID:     viper.GetString("owner"),
					Title:       title,
					Description: description,
					CreatedAt:   time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertActivity(ctx, a); err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "activity id (generated if empty)")
	cmd.Flags().StringVar(&title, "title", "", "activity title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskHandoffCmd() *cobra.Command {
	var taskID, targetID, titleOverride, problem, outcome, notes string
	var acceptance, verification, doNotChange, links, files, examples []string
	cmd := &cobra.Command{
		Use:   "handoff",
		Short: "Hand a task off to an execution target",
		Long:  "Creates the handoff row with its work packet and flips the handed-off gate, making the task visible to agents on that target.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				owner := viper.GetString("owner")
				if _, err := r.GetActivity(ctx, owner, taskID); err != nil {
					return fmt.Errorf("activity %s: %w", taskID, err)
				}
				if _, err := r.GetExecutionTarget(ctx, owner, targetID); err != nil {
					return fmt.Errorf("execution target %s: %w", targetID, err)
				}
				now := time.Now().UTC().Format(time.RFC3339)
				h := domain.TaskHandoff{
					ActivityID:          taskID,
					OwnerID:             owner,
					ExecutionTargetID:   targetID,
					Status:              domain.StatusReady,
					HandedOff:           true,
					HandedOffAt:         &now,
					TitleOverride:       optionalString(titleOverride),
					ProblemStatement:    optionalString(problem),
					DesiredOutcome:      optionalString(outcome),
					PerfOrSecurityNotes: optionalString(notes),
					CreatedAt:           now,
					UpdatedAt:           now,
				}
				var err error
				if h.AcceptanceJSON, err = engine.MarshalStringSlice(acceptance); err != nil {
					return err
				}
				if h.VerificationJSON, err = engine.MarshalStringSlice(verification); err != nil {
					return err
				}
				if h.DoNotChangeJSON, err = engine.MarshalStringSlice(doNotChange); err != nil {
					return err
				}
				if h.LinksJSON, err = engine.MarshalStringSlice(links); err != nil {
					return err
				}
				if h.RelevantFilesJSON, err = engine.MarshalStringSlice(files); err != nil {
					return err
				}
				if h.ExamplesJSON, err = engine.MarshalStringSlice(examples); err != nil {
					return err
				}
				if err := r.InsertHandoff(ctx, h); err != nil {
					return err
				}
				return printJSONOrTable(h)
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "activity id")
	cmd.Flags().StringVar(&targetID, "target", "", "execution target id")
	cmd.Flags().StringVar(&titleOverride, "title", "", "title override for the packet")
	cmd.Flags().StringVar(&problem, "problem", "", "problem statement")
	cmd.Flags().StringVar(&outcome, "outcome", "", "desired outcome")
	cmd.Flags().StringVar(&notes, "notes", "", "perf or security notes")
	cmd.Flags().StringArrayVar(&acceptance, "accept", nil, "acceptance criterion (repeatable)")
	cmd.Flags().StringArrayVar(&verification, "verify", nil, "verification step (repeatable)")
	cmd.Flags().StringArrayVar(&doNotChange, "do-not-change", nil, "do-not-change constraint (repeatable)")
	cmd.Flags().StringArrayVar(&links, "link", nil, "context link (repeatable)")
	cmd.Flags().StringArrayVar(&files, "file", nil, "relevant file hint (repeatable)")
	cmd.Flags().StringArrayVar(&examples, "example", nil, "example pointer (repeatable)")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("target")
	return cmd
}

func taskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all handoffs, handed off or not",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				handoffs, err := r.ListHandoffs(ctx, viper.GetString("owner"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(handoffs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Activity", "Target", "Status", "Handed off", "Updated"})
				for _, h := range handoffs {
					tw.AppendRow(table.Row{h.ActivityID, h.ExecutionTargetID, h.Status, h.HandedOff, h.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the audit log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.LatestAuditEntries(ctx, viper.GetString("owner"), n)
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the JSON-RPC server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			if secret := os.Getenv("KWILT_DEV_JWT_SECRET"); secret != "" {
				cfg.Auth.DevJWTSecret = secret
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn)
			handler := server.New(server.Config{
				Engine:   e,
				Audit:    audit.Writer{DB: conn},
				Auth:     server.AuthConfig{DevJWTSecret: cfg.Auth.DevJWTSecret},
				BasePath: cfg.Server.BasePath,
			})
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving kwilt RPC on http://%s%s\n", cfg.Server.Addr, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8787", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/rpc", "RPC base path")
	return cmd
}

// --- helpers ---

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTokenSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "kw_" + hex.EncodeToString(buf), nil
}

func strOr(v *string, fallback string) string {
	if v == nil || *v == "" {
		return fallback
	}
	return *v
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
