package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"huddle/internal/config"
	"huddle/internal/db"
	"huddle/internal/domain"
	"huddle/internal/engine"
	"huddle/internal/migrate"
	"huddle/internal/repo"
	"huddle/internal/server"
	"huddle/internal/signals"
)

var rootCmd = &cobra.Command{
	Use:   "huddle",
	Short: "Huddle CLI",
	Long: `Huddle is a collaborative workspace for student project teams.
Core concepts:
- Room: the shared space owning the audit trail of everything that happens.
- Session: one working meeting inside a room; approvals belong to sessions.
- Approval: a pending decision that members vote on (approve / request_change);
  resolution is an explicit step, the tally never auto-resolves.
- Team: a group inside a room owning tasks and their dependency graph.
- Dependency: a directed edge saying one task blocks (or relates to) another.
- Log: the room's append-only activity record, paged newest first.`,
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
	viper.SetEnvPrefix("HUDDLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().String("workspace", ".", "workspace directory")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "acting user id")
	rootCmd.PersistentFlags().Bool("json", false, "print JSON instead of tables")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(roomCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(teamCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(depCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
}

// openEngine opens the workspace database, applies pending migrations and
// wires the dispatcher when signals are enabled.
func openEngine() (engine.Engine, func(), error) {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		conn.Close()
		return engine.Engine{}, nil, err
	}
	var dispatcher engine.Dispatcher
	cleanup := func() { conn.Close() }
	if cfg.Signals.Enabled {
		d, err := signals.Dial(signals.Options{
			HostPort:  cfg.Signals.HostPort,
			Namespace: cfg.Signals.Namespace,
			TaskQueue: cfg.Signals.TaskQueue,
		})
		if err != nil {
			conn.Close()
			return engine.Engine{}, nil, err
		}
		dispatcher = d
		cleanup = func() {
			d.Close()
			conn.Close()
		}
	}
	return engine.New(conn, dispatcher), cleanup, nil
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			if _, err := os.Stat(config.Path(workspace)); os.IsNotExist(err) {
				if err := config.Default().Save(workspace); err != nil {
					return err
				}
			}
			fmt.Println("workspace ready:", db.Path(workspace))
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			handler, err := server.New(server.Config{
				Engine:   eng,
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:              cfg.Auth.JWTSecret,
					AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
				},
			})
			if err != nil {
				return err
			}
			fmt.Println("listening on", cfg.Server.Listen)
			return http.ListenAndServe(cfg.Server.Listen, handler)
		},
	}
	return cmd
}

func roomCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "room", Short: "Manage rooms"}

	var name, id string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a room",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			room, err := eng.CreateRoom(cmd.Context(), id, name, actorID())
			if err != nil {
				return err
			}
			return printJSON(room)
		},
	}
	create.Flags().StringVar(&name, "name", "", "room name")
	create.Flags().StringVar(&id, "id", "", "room id (generated if empty)")
	_ = create.MarkFlagRequired("name")

	var roomID, userID, role string
	addMember := &cobra.Command{
		Use:   "add-member",
		Short: "Add a member to a room",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			m, err := eng.AddRoomMember(cmd.Context(), roomID, userID, role, actorID())
			if err != nil {
				return err
			}
			return printJSON(m)
		},
	}
	addMember.Flags().StringVar(&roomID, "room", "", "room id")
	addMember.Flags().StringVar(&userID, "user", "", "user id")
	addMember.Flags().StringVar(&role, "role", "member", "member role")
	_ = addMember.MarkFlagRequired("room")
	_ = addMember.MarkFlagRequired("user")

	list := &cobra.Command{
		Use:   "list",
		Short: "List rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			rooms, err := eng.Repo.ListRooms(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(rooms)
			}
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.AppendHeader(table.Row{"ID", "Name", "Created"})
			for _, r := range rooms {
				t.AppendRow(table.Row{r.ID, r.Name, r.CreatedAt})
			}
			t.Render()
			return nil
		},
	}

	cmd.AddCommand(create, addMember, list)
	return cmd
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Manage sessions"}

	var roomID, topic string
	create := &cobra.Command{
		Use:   "create",
		Short: "Start a session in a room",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			s, err := eng.CreateSession(cmd.Context(), roomID, topic, actorID())
			if err != nil {
				return err
			}
			return printJSON(s)
		},
	}
	create.Flags().StringVar(&roomID, "room", "", "room id")
	create.Flags().StringVar(&topic, "topic", "", "session topic")
	_ = create.MarkFlagRequired("room")

	cmd.AddCommand(create)
	return cmd
}

func approvalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "approval", Short: "Manage approval requests"}

	var sessionID, approvalType, payloadJSON string
	open := &cobra.Command{
		Use:   "open",
		Short: "Open an approval request",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			var payload map[string]any
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
					return fmt.Errorf("payload: %w", err)
				}
			}
			a, err := eng.OpenApproval(cmd.Context(), sessionID, approvalType, payload, actorID())
			if err != nil {
				return err
			}
			return printJSON(a)
		},
	}
	open.Flags().StringVar(&sessionID, "session", "", "session id")
	open.Flags().StringVar(&approvalType, "type", "", "decision kind")
	open.Flags().StringVar(&payloadJSON, "payload", "", "JSON payload")
	_ = open.MarkFlagRequired("session")
	_ = open.MarkFlagRequired("type")

	var approvalID, voteValue, comment string
	vote := &cobra.Command{
		Use:   "vote",
		Short: "Cast or replace a vote",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			var commentPtr *string
			if comment != "" {
				commentPtr = &comment
			}
			v, err := eng.CastVote(cmd.Context(), approvalID, actorID(), voteValue, commentPtr)
			if err != nil {
				return err
			}
			return printJSON(v)
		},
	}
	vote.Flags().StringVar(&approvalID, "approval", "", "approval id")
	vote.Flags().StringVar(&voteValue, "vote", "", "approve or request_change")
	vote.Flags().StringVar(&comment, "comment", "", "optional comment")
	_ = vote.MarkFlagRequired("approval")
	_ = vote.MarkFlagRequired("vote")

	var tallyID string
	tally := &cobra.Command{
		Use:   "tally",
		Short: "Show the live tally",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			a, t, err := eng.Tally(cmd.Context(), tallyID, actorID())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"approval": a, "tally": t})
			}
			fmt.Printf("%s [%s] approve=%d change=%d members=%d\n",
				a.ID, a.Status, t.ApproveCount, t.ChangeCount, t.MemberCount)
			w := table.NewWriter()
			w.SetOutputMirror(os.Stdout)
			w.AppendHeader(table.Row{"User", "Vote", "At"})
			for _, v := range t.Votes {
				w.AppendRow(table.Row{v.UserID, v.Vote, v.VotedAt})
			}
			w.Render()
			return nil
		},
	}
	tally.Flags().StringVar(&tallyID, "approval", "", "approval id")
	_ = tally.MarkFlagRequired("approval")

	var resolveID, outcome string
	resolve := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a pending approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			a, err := eng.Resolve(cmd.Context(), resolveID, outcome, actorID())
			if err != nil {
				return err
			}
			return printJSON(a)
		},
	}
	resolve.Flags().StringVar(&resolveID, "approval", "", "approval id")
	resolve.Flags().StringVar(&outcome, "outcome", "", "approved or rejected")
	_ = resolve.MarkFlagRequired("approval")
	_ = resolve.MarkFlagRequired("outcome")

	cmd.AddCommand(open, vote, tally, resolve)
	return cmd
}

func teamCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "team", Short: "Manage teams"}

	var roomID, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a team in a room",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			t, err := eng.CreateTeam(cmd.Context(), roomID, name, actorID())
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
	create.Flags().StringVar(&roomID, "room", "", "room id")
	create.Flags().StringVar(&name, "name", "", "team name")
	_ = create.MarkFlagRequired("room")
	_ = create.MarkFlagRequired("name")

	var teamID, userID string
	addMember := &cobra.Command{
		Use:   "add-member",
		Short: "Add a member to a team",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			m, err := eng.AddTeamMember(cmd.Context(), teamID, userID, actorID())
			if err != nil {
				return err
			}
			return printJSON(m)
		},
	}
	addMember.Flags().StringVar(&teamID, "team", "", "team id")
	addMember.Flags().StringVar(&userID, "user", "", "user id")
	_ = addMember.MarkFlagRequired("team")
	_ = addMember.MarkFlagRequired("user")

	cmd.AddCommand(create, addMember)
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Manage tasks"}

	var opts engine.TaskCreateOptions
	var priority, effort int
	var dueAt string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			opts.ActorID = actorID()
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			if cmd.Flags().Changed("effort") {
				opts.EffortPoints = &effort
			}
			if dueAt != "" {
				opts.DueAt = &dueAt
			}
			t, err := eng.CreateTask(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
	create.Flags().StringVar(&opts.TeamID, "team", "", "team id")
	create.Flags().StringVar(&opts.Title, "title", "", "task title")
	create.Flags().StringVar(&opts.Description, "description", "", "task description")
	create.Flags().StringVar(&opts.Status, "status", "", "initial status")
	create.Flags().IntVar(&priority, "priority", 0, "priority")
	create.Flags().IntVar(&effort, "effort", 0, "effort points")
	create.Flags().StringVar(&dueAt, "due", "", "due date (RFC3339)")
	_ = create.MarkFlagRequired("team")
	_ = create.MarkFlagRequired("title")

	var taskID, status, title string
	var updPriority, updEffort int
	var updDue string
	update := &cobra.Command{
		Use:   "update",
		Short: "Update a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			upd := engine.TaskUpdateOptions{ID: taskID, ActorID: actorID()}
			if cmd.Flags().Changed("status") {
				upd.Status = &status
			}
			if cmd.Flags().Changed("title") {
				upd.Title = &title
			}
			if cmd.Flags().Changed("priority") {
				upd.Priority = &updPriority
			}
			if cmd.Flags().Changed("effort") {
				upd.EffortPoints = &updEffort
			}
			if cmd.Flags().Changed("due") {
				upd.DueAt = &updDue
			}
			t, err := eng.UpdateTask(cmd.Context(), upd)
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
	update.Flags().StringVar(&taskID, "task", "", "task id")
	update.Flags().StringVar(&status, "status", "", "new status")
	update.Flags().StringVar(&title, "title", "", "new title")
	update.Flags().IntVar(&updPriority, "priority", 0, "new priority")
	update.Flags().IntVar(&updEffort, "effort", 0, "new effort points")
	update.Flags().StringVar(&updDue, "due", "", "new due date (RFC3339), empty clears")
	_ = update.MarkFlagRequired("task")

	var listTeam, listStatus string
	var listLimit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List team tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			tasks, err := eng.ListTasks(cmd.Context(), repo.TaskFilters{
				TeamID: listTeam,
				Status: listStatus,
				Limit:  listLimit,
			}, actorID())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(tasks)
			}
			w := table.NewWriter()
			w.SetOutputMirror(os.Stdout)
			w.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Due"})
			for _, t := range tasks {
				priority := ""
				if t.Priority != nil {
					priority = fmt.Sprint(*t.Priority)
				}
				due := ""
				if t.DueAt != nil {
					due = *t.DueAt
				}
				w.AppendRow(table.Row{t.ID, t.Title, t.Status, priority, due})
			}
			w.Render()
			return nil
		},
	}
	list.Flags().StringVar(&listTeam, "team", "", "team id")
	list.Flags().StringVar(&listStatus, "status", "", "filter by status")
	list.Flags().IntVar(&listLimit, "limit", 0, "max rows")
	_ = list.MarkFlagRequired("team")

	cmd.AddCommand(create, update, list)
	return cmd
}

func depCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "dep", Short: "Manage task dependencies"}

	var opts engine.EdgeOptions
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a dependency edge",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			opts.ActorID = actorID()
			edge, err := eng.AddEdge(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printJSON(edge)
		},
	}
	add.Flags().StringVar(&opts.TeamID, "team", "", "team id")
	add.Flags().StringVar(&opts.BlockingTaskID, "blocking", "", "blocking task id")
	add.Flags().StringVar(&opts.BlockedTaskID, "blocked", "", "blocked task id")
	add.Flags().StringVar(&opts.DependencyType, "type", "blocks", "blocks or related")
	add.Flags().Float64Var(&opts.Weight, "weight", 1, "edge weight")
	_ = add.MarkFlagRequired("blocking")
	_ = add.MarkFlagRequired("blocked")

	var teamID, blocking, blocked string
	rm := &cobra.Command{
		Use:   "rm",
		Short: "Remove a dependency edge",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			return eng.RemoveEdge(cmd.Context(), teamID, blocking, blocked, actorID())
		},
	}
	rm.Flags().StringVar(&teamID, "team", "", "team id")
	rm.Flags().StringVar(&blocking, "blocking", "", "blocking task id")
	rm.Flags().StringVar(&blocked, "blocked", "", "blocked task id")
	_ = rm.MarkFlagRequired("team")
	_ = rm.MarkFlagRequired("blocking")
	_ = rm.MarkFlagRequired("blocked")

	var listTeam string
	list := &cobra.Command{
		Use:   "list",
		Short: "List a team's dependency edges",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			edges, err := eng.ListEdges(cmd.Context(), listTeam, actorID())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(edges)
			}
			w := table.NewWriter()
			w.SetOutputMirror(os.Stdout)
			w.AppendHeader(table.Row{"Blocking", "Blocked", "Type", "Weight"})
			for _, e := range edges {
				w.AppendRow(table.Row{e.BlockingTaskID, e.BlockedTaskID, e.DependencyType, e.Weight})
			}
			w.Render()
			return nil
		},
	}
	list.Flags().StringVar(&listTeam, "team", "", "team id")
	_ = list.MarkFlagRequired("team")

	cmd.AddCommand(add, rm, list)
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the audit trail"}

	var roomID string
	var limit int
	var cursor int64
	var follow bool
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Page through a room's log, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			ctx := cmd.Context()
			for {
				page, err := eng.Audit.Query(ctx, roomID, limit, cursor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(page); err != nil {
						return err
					}
				} else {
					printLogTable(page.Entries)
				}
				if !follow || page.NextCursor == nil {
					return nil
				}
				cursor = *page.NextCursor
			}
		},
	}
	tail.Flags().StringVar(&roomID, "room", "", "room id")
	tail.Flags().IntVar(&limit, "limit", 20, "page size")
	tail.Flags().Int64Var(&cursor, "cursor", 0, "resume from cursor")
	tail.Flags().BoolVar(&follow, "all", false, "keep paging until the log is exhausted")
	_ = tail.MarkFlagRequired("room")

	cmd.AddCommand(tail)
	return cmd
}

func printLogTable(entries []domain.AuditLogEntry) {
	w := table.NewWriter()
	w.SetOutputMirror(os.Stdout)
	w.AppendHeader(table.Row{"ID", "Type", "Actor", "At"})
	for _, e := range entries {
		actor := "-"
		if e.ActorID != nil {
			actor = *e.ActorID
		}
		w.AppendRow(table.Row{e.ID, e.Type, actor, e.CreatedAt})
	}
	w.Render()
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, cleanup, err := openEngine()
			if err != nil {
				return err
			}
			defer cleanup()
			raw := uuid.New().String()
			key := domain.APIKey{
				ID:        uuid.New().String(),
				ActorID:   actor,
				Name:      name,
				KeyHash:   repo.HashAPIKey(raw),
				CreatedAt: nowRFC3339(),
			}
			if err := eng.Repo.InsertAPIKey(cmd.Context(), key); err != nil {
				return err
			}
			fmt.Println("api key (store it now, it is not shown again):", raw)
			return nil
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor id the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "key label")
	_ = create.MarkFlagRequired("actor")

	cmd.AddCommand(create)
	return cmd
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
