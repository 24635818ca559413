package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"mergeline/internal/config"
	"mergeline/internal/db"
	"mergeline/internal/domain"
	"mergeline/internal/engine"
	"mergeline/internal/gateway"
	"mergeline/internal/gateway/github"
	"mergeline/internal/gateway/gitlab"
	"mergeline/internal/migrate"
	"mergeline/internal/repo"
	"mergeline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ml",
	Short: "Mergeline CLI",
	Long: `Mergeline merges batches of pull requests across GitHub and GitLab.
Track pull requests locally, then submit a batch: every target is verified
against the provider just before merging, repositories are paced so CI is not
flooded, and each item gets a durable per-item outcome you can query later.
Refs are written provider:owner/repo#number, e.g. github:acme/billing#42.`,
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
	viper.SetEnvPrefix("MERGELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("requester-id", "local-user", "requester identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("requester-id", rootCmd.PersistentFlags().Lookup("requester-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(opCmd())
	rootCmd.AddCommand(prCmd())
	rootCmd.AddCommand(settingsCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// parseTargetRef reads provider:owner/repo#number.
func parseTargetRef(s string) (domain.TargetRef, error) {
	var ref domain.TargetRef
	provider, rest, ok := strings.Cut(s, ":")
	if !ok {
		return ref, fmt.Errorf("invalid ref %q: expected provider:owner/repo#number", s)
	}
	repository, numStr, ok := strings.Cut(rest, "#")
	if !ok || repository == "" {
		return ref, fmt.Errorf("invalid ref %q: expected provider:owner/repo#number", s)
	}
	number, err := strconv.Atoi(numStr)
	if err != nil || number < 1 {
		return ref, fmt.Errorf("invalid ref %q: bad number %q", s, numStr)
	}
	ref.Provider = strings.ToLower(strings.TrimSpace(provider))
	ref.Repository = repository
	ref.Number = number
	return ref, nil
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
			} else {
				fmt.Printf("Config %s already exists\n", path)
			}
			fmt.Printf("Database at %s\n", db.Path(workspace))
			return nil
		},
	}
	return cmd
}

func submitCmd() *cobra.Command {
	var strategy, mergeDelay string
	var deleteBranch bool
	cmd := &cobra.Command{
		Use:   "submit <ref>...",
		Short: "Submit a bulk merge operation",
		Long:  "Submit one or more pull request refs for merging, e.g. ml submit github:acme/billing#42 github:acme/billing#43",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			refs := make([]domain.TargetRef, 0, len(args))
			for _, arg := range args {
				ref, err := parseTargetRef(arg)
				if err != nil {
					return err
				}
				refs = append(refs, ref)
			}
			opts := engine.SubmitOptions{Strategy: strategy}
			if cmd.Flags().Changed("delete-branch") {
				opts.DeleteBranch = &deleteBranch
			}
			if mergeDelay != "" {
				d, err := time.ParseDuration(mergeDelay)
				if err != nil {
					return fmt.Errorf("invalid --merge-delay: %w", err)
				}
				opts.MergeDelay = &d
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				op, err := e.Submit(ctx, viper.GetString("requester-id"), refs, opts)
				if err != nil {
					return err
				}
				fmt.Printf("Operation %s accepted (%d targets)\n", op.ID, op.TotalCount)
				// The CLI is a one-shot process: run the operation to
				// completion before exiting.
				e.Wait()
				final, items, err := e.GetOperation(ctx, op.RequesterID, op.ID)
				if err != nil {
					return err
				}
				return printOperation(final, items)
			})
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "merge strategy (merge, squash, rebase)")
	cmd.Flags().BoolVar(&deleteBranch, "delete-branch", false, "delete source branch after merge")
	cmd.Flags().StringVar(&mergeDelay, "merge-delay", "", "pacing delay between merges in a repository (e.g. 5s)")
	return cmd
}

func opCmd() *cobra.Command {
	op := &cobra.Command{Use: "op", Short: "Inspect operations"}
	op.AddCommand(opShowCmd())
	op.AddCommand(opListCmd())
	return op
}

func opShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an operation with per-item outcomes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				op, items, err := e.GetOperation(ctx, viper.GetString("requester-id"), args[0])
				if err != nil {
					return err
				}
				return printOperation(op, items)
			})
		},
	}
	return cmd
}

func opListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operations, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ops, err := e.ListOperations(ctx, repo.OperationFilters{
					RequesterID: viper.GetString("requester-id"),
					Status:      status,
					Limit:       limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ops)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Strategy", "Total", "Success", "Failed", "Skipped", "Created"})
				for _, op := range ops {
					tw.AppendRow(table.Row{op.ID, op.Status, op.Strategy, op.TotalCount, op.SuccessCount, op.FailedCount, op.SkippedCount, op.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (in_progress, completed, failed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max operations")
	return cmd
}

func prCmd() *cobra.Command {
	pr := &cobra.Command{Use: "pr", Short: "Manage tracked pull requests"}
	pr.AddCommand(prTrackCmd())
	pr.AddCommand(prListCmd())
	return pr
}

func prTrackCmd() *cobra.Command {
	var title, state string
	cmd := &cobra.Command{
		Use:   "track <ref>",
		Short: "Track a pull request locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseTargetRef(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				pr := domain.PullRequest{
					Provider:   ref.Provider,
					Repository: ref.Repository,
					Number:     ref.Number,
					OwnerID:    viper.GetString("requester-id"),
					Title:      title,
					State:      state,
					UpdatedAt:  time.Now().UTC().Format(time.RFC3339),
				}
				if pr.State == "" {
					pr.State = "open"
				}
				if err := r.UpsertPullRequest(ctx, pr); err != nil {
					return err
				}
				return printJSONOrTable(pr)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "pull request title")
	cmd.Flags().StringVar(&state, "state", "open", "state (open, closed, merged)")
	return cmd
}

func prListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked pull requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				pulls, err := r.ListPullRequests(ctx, viper.GetString("requester-id"), state)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(pulls)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Ref", "State", "Title", "Updated"})
				for _, pr := range pulls {
					tw.AppendRow(table.Row{pr.Ref().String(), pr.State, pr.Title, pr.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter (open, closed, merged)")
	return cmd
}

func settingsCmd() *cobra.Command {
	s := &cobra.Command{Use: "settings", Short: "Saved merge defaults"}
	s.AddCommand(settingsShowCmd())
	s.AddCommand(settingsSetCmd())
	return s
}

func settingsShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show saved merge defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetUserSettings(ctx, viper.GetString("requester-id"))
				if errors.Is(err, repo.ErrNotFound) {
					fmt.Println("No saved settings; configured defaults apply.")
					return nil
				}
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func settingsSetCmd() *cobra.Command {
	var strategy, mergeDelay string
	var deleteBranch bool
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Save merge defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strategy == "" {
				return fmt.Errorf("--strategy required")
			}
			var delayMS int64
			if mergeDelay != "" {
				d, err := time.ParseDuration(mergeDelay)
				if err != nil {
					return fmt.Errorf("invalid --merge-delay: %w", err)
				}
				delayMS = d.Milliseconds()
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s := domain.UserSettings{
					RequesterID:  viper.GetString("requester-id"),
					Strategy:     strategy,
					DeleteBranch: deleteBranch,
					MergeDelayMS: delayMS,
					UpdatedAt:    time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.UpsertUserSettings(ctx, s); err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", "", "merge strategy (merge, squash, rebase)")
	cmd.Flags().BoolVar(&deleteBranch, "delete-branch", false, "delete source branch after merge")
	cmd.Flags().StringVar(&mergeDelay, "merge-delay", "", "pacing delay between merges (e.g. 5s)")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "API key management"}
	k.AddCommand(apikeyCreateCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the requester",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				key := uuid.NewString()
				err := r.InsertAPIKey(ctx, domain.APIKey{
					ID:          uuid.NewString(),
					RequesterID: viper.GetString("requester-id"),
					Name:        name,
					KeyHash:     repo.HashAPIKey(key),
					CreatedAt:   time.Now().UTC().Format(time.RFC3339),
				})
				if err != nil {
					return err
				}
				// Shown once; only the hash is stored.
				fmt.Printf("API key: %s\n", key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Event log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var operationID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, repo.EventFilters{
					OperationID: operationID,
					Type:        evtType,
					Limit:       n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Operation", "Entity", "Payload"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.TS, e.Type, e.OperationID, e.EntityKind + "/" + e.EntityID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "number of events")
	cmd.Flags().StringVar(&operationID, "operation", "", "operation id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, buildRegistry(cfg))
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("MERGELINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("MERGELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Mergeline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			// Let accepted operations finish before exit.
			e.Wait()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func buildRegistry(cfg *config.Config) *gateway.Registry {
	reg := gateway.NewRegistry()
	for name, p := range cfg.Providers {
		switch name {
		case "github":
			reg.Register(name, github.NewClient(p.BaseURL, p.Token, nil))
		case "gitlab":
			reg.Register(name, gitlab.NewClient(p.BaseURL, p.Token, nil))
		}
	}
	return reg
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg, buildRegistry(cfg)))
}

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

func printOperation(op domain.Operation, items []domain.Item) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{"operation": op, "items": items})
	}
	fmt.Printf("Operation %s: %s (%d total, %d success, %d failed, %d skipped)\n",
		op.ID, op.Status, op.TotalCount, op.SuccessCount, op.FailedCount, op.SkippedCount)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Ref", "Status", "Commit", "Detail"})
	for _, it := range items {
		commit := ""
		if it.MergeCommitID != nil {
			commit = *it.MergeCommitID
		}
		tw.AppendRow(table.Row{it.Position, it.Ref().String(), it.Status, commit, it.ErrorMessage})
	}
	tw.Render()
	return nil
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
