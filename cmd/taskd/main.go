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

	"github.com/kurobe2240/task-management-api/internal/activity"
	"github.com/kurobe2240/task-management-api/internal/config"
	"github.com/kurobe2240/task-management-api/internal/db"
	"github.com/kurobe2240/task-management-api/internal/domain"
	"github.com/kurobe2240/task-management-api/internal/engine"
	"github.com/kurobe2240/task-management-api/internal/logging"
	"github.com/kurobe2240/task-management-api/internal/migrate"
	"github.com/kurobe2240/task-management-api/internal/repo"
	"github.com/kurobe2240/task-management-api/internal/search"
	"github.com/kurobe2240/task-management-api/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "taskd",
	Short: "Taskman CLI",
	Long: `Taskman tracks projects and tasks with membership-based access control.
- Workspace: the .taskman directory holding the database; taskman.yml holds server settings.
- Projects: owned containers of tasks with per-user roles (admin, member, viewer).
- Tasks: work items with priority, assignee, due date and prerequisite dependencies.
- Lifecycle: status and progress are coupled; completing sets progress to 100 and back.
- Dependencies: a task cannot depend on itself or form a cycle.
- Activity log: every mutation leaves a trail, view with 'taskd log tail'.`,
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
	viper.SetEnvPrefix("TASKMAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting user id")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
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
			fmt.Printf("Initialized workspace: %s and %s\n", path, db.Path(workspace))
			return nil
		},
	}
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			v, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			fmt.Printf("schema version: %d\n", v)
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = c.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userRegisterCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userDeactivateCmd())
	return user
}

func userRegisterCmd() *cobra.Command {
	var name, email string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				u, err := e.RegisterUser(ctx, engine.UserCreateOptions{Name: name, Email: email})
				if err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				users, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Active"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.ID, u.Name, u.Email, u.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func userDeactivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Deactivate a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeactivateUser(ctx, viper.GetString("actor-id"), args[0])
			})
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Manage API tokens"}
	tok.AddCommand(tokenCreateCmd())
	tok.AddCommand(tokenListCmd())
	tok.AddCommand(tokenDeleteCmd())
	return tok
}

func tokenCreateCmd() *cobra.Command {
	var userID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API token (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetUser(ctx, userID); err != nil {
					return err
				}
				raw := make([]byte, 32)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				token := "tm_" + hex.EncodeToString(raw)
				t := domain.APIToken{
					ID:        uuid.New().String(),
					UserID:    userID,
					Name:      name,
					TokenHash: repo.HashToken(token),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIToken(ctx, t); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": t.ID, "token": token})
				}
				fmt.Printf("token id: %s\ntoken (save it, it is not stored): %s\n", t.ID, token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id the token acts as")
	cmd.Flags().StringVar(&name, "name", "", "token label")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func tokenListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tokens, err := r.ListAPITokens(ctx, userID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tokens)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Name", "Created"})
				for _, t := range tokens {
					tw.AppendRow(table.Row{t.ID, t.UserID, t.Name, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "filter by user id")
	return cmd
}

func tokenDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIToken(ctx, args[0])
			})
		},
	}
	return cmd
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUpdateCmd())
	prj.AddCommand(projectStatusCmd())
	prj.AddCommand(projectProgressCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectSummaryCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var opts engine.ProjectCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.OwnerID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "project name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.StartDate, "start-date", "", "start date (RFC3339)")
	cmd.Flags().StringVar(&opts.EndDate, "end-date", "", "end date (RFC3339)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects the actor belongs to",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Progress", "Owner"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.Progress, p.OwnerID})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProject(ctx, viper.GetString("actor-id"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUpdateCmd() *cobra.Command {
	var name, description, startDate, endDate string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update project fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.ProjectUpdateOptions{ID: args[0], ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("name") {
				opts.Name = &name
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("start-date") {
				opts.StartDate = &startDate
			}
			if cmd.Flags().Changed("end-date") {
				opts.EndDate = &endDate
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UpdateProject(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&startDate, "start-date", "", "start date (RFC3339)")
	cmd.Flags().StringVar(&endDate, "end-date", "", "end date (RFC3339)")
	return cmd
}

func projectStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Set project status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SetProjectStatus(ctx, viper.GetString("actor-id"), args[0], status)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status (planning, active, on_hold, completed, cancelled)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func projectProgressCmd() *cobra.Command {
	var progress int
	cmd := &cobra.Command{
		Use:   "set-progress <id>",
		Short: "Set project progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.SetProjectProgress(ctx, viper.GetString("actor-id"), args[0], progress)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().IntVar(&progress, "progress", 0, "progress (0-100)")
	_ = cmd.MarkFlagRequired("progress")
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a project (owner only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteProject(ctx, viper.GetString("actor-id"), args[0])
			})
		},
	}
	return cmd
}

func projectSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary <id>",
		Short: "Show project progress summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ProjectProgressSummary(ctx, viper.GetString("actor-id"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func memberCmd() *cobra.Command {
	mem := &cobra.Command{Use: "member", Short: "Manage project members"}
	mem.AddCommand(memberAddCmd())
	mem.AddCommand(memberListCmd())
	mem.AddCommand(memberRoleCmd())
	mem.AddCommand(memberRemoveCmd())
	return mem
}

func memberAddCmd() *cobra.Command {
	var projectID, userID, role string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a member to a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AddMember(ctx, viper.GetString("actor-id"), projectID, userID, role)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", "member", "role (admin, member, viewer)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func memberListCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List project members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				members, err := e.ListMembers(ctx, viper.GetString("actor-id"), projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(members)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"User", "Role", "Since"})
				for _, m := range members {
					tw.AppendRow(table.Row{m.UserID, m.Role, m.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func memberRoleCmd() *cobra.Command {
	var projectID, userID, role string
	cmd := &cobra.Command{
		Use:   "set-role",
		Short: "Change a member's role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.UpdateMemberRole(ctx, viper.GetString("actor-id"), projectID, userID, role)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&role, "role", "", "role (admin, member, viewer)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func memberRemoveCmd() *cobra.Command {
	var projectID, userID string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a member from a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveMember(ctx, viper.GetString("actor-id"), projectID, userID)
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow not_started -> in_progress -> completed, with on_hold and cancelled as side exits. Progress 100 and completed are coupled both ways.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskStatusCmd())
	task.AddCommand(taskProgressCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskDepCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (low, medium, high, urgent)")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee", "", "assignee user id")
	cmd.Flags().StringVar(&opts.DueDate, "due-date", "", "due date (RFC3339)")
	cmd.Flags().StringArrayVar(&opts.DependsOn, "depends-on", []string{}, "prerequisite task id (repeatable)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, viper.GetString("actor-id"), f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Progress", "Priority", "Assignee", "Due"})
				for _, t := range tasks {
					assignee := ""
					if t.AssigneeID != nil {
						assignee = *t.AssigneeID
					}
					due := ""
					if t.DueDate != nil {
						due = *t.DueDate
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Progress, t.Priority, assignee, due})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee filter")
	cmd.Flags().StringVar(&f.DueBefore, "due-before", "", "due before (RFC3339)")
	cmd.Flags().StringVar(&f.DueAfter, "due-after", "", "due after (RFC3339)")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func taskGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, viper.GetString("actor-id"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskUpdateCmd() *cobra.Command {
	var title, description, priority, dueDate, assign string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update task fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.TaskUpdateOptions{ID: args[0], ActorID: viper.GetString("actor-id")}
			if cmd.Flags().Changed("title") {
				opts.Title = &title
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			if cmd.Flags().Changed("due-date") {
				opts.DueDate = &dueDate
			}
			if cmd.Flags().Changed("assign") {
				opts.Assign = &assign
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (low, medium, high, urgent)")
	cmd.Flags().StringVar(&dueDate, "due-date", "", "due date (RFC3339)")
	cmd.Flags().StringVar(&assign, "assign", "", "set assignee id (empty clears)")
	return cmd
}

func taskStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Set task status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SetTaskStatus(ctx, viper.GetString("actor-id"), args[0], status)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status (not_started, in_progress, on_hold, completed, cancelled)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func taskProgressCmd() *cobra.Command {
	var progress int
	cmd := &cobra.Command{
		Use:   "set-progress <id>",
		Short: "Set task progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SetTaskProgress(ctx, viper.GetString("actor-id"), args[0], progress)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().IntVar(&progress, "progress", 0, "progress (0-100)")
	_ = cmd.MarkFlagRequired("progress")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if purge {
					return e.PurgeTask(ctx, viper.GetString("actor-id"), args[0])
				}
				return e.DeleteTask(ctx, viper.GetString("actor-id"), args[0])
			})
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "remove the row and its dependency edges for good")
	return cmd
}

func taskDepCmd() *cobra.Command {
	dep := &cobra.Command{Use: "dep", Short: "Manage task dependencies"}
	dep.AddCommand(&cobra.Command{
		Use:   "add <task-id> <depends-on-id>",
		Short: "Add a prerequisite",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AddDependency(ctx, viper.GetString("actor-id"), args[0], args[1])
			})
		},
	})
	dep.AddCommand(&cobra.Command{
		Use:   "remove <task-id> <depends-on-id>",
		Short: "Remove a prerequisite",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveDependency(ctx, viper.GetString("actor-id"), args[0], args[1])
			})
		},
	})
	dep.AddCommand(&cobra.Command{
		Use:   "list <task-id>",
		Short: "List prerequisites",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				deps, err := e.Dependencies(ctx, viper.GetString("actor-id"), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"task_id": args[0], "depends_on": deps})
			})
		},
	})
	return dep
}

func searchCmd() *cobra.Command {
	sc := &cobra.Command{Use: "search", Short: "Search tasks and projects"}
	sc.AddCommand(searchTasksCmd())
	sc.AddCommand(searchProjectsCmd())
	return sc
}

func searchTasksCmd() *cobra.Command {
	var term, projectID, status, priority, sortKey, order string
	var exact bool
	var page, pageSize int
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Search tasks across projects the actor belongs to",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSearch(cmd.Context(), func(ctx context.Context, se search.Engine) error {
				c := search.Criteria{Term: term, ExactPhrase: exact}
				if projectID != "" {
					c.Predicates = append(c.Predicates, search.Predicate{Field: "project_id", Op: search.OpEq, Value: projectID})
				}
				if status != "" {
					c.Predicates = append(c.Predicates, search.Predicate{Field: "status", Op: search.OpEq, Value: status})
				}
				if priority != "" {
					c.Predicates = append(c.Predicates, search.Predicate{Field: "priority", Op: search.OpEq, Value: priority})
				}
				res, err := se.SearchTasks(ctx, viper.GetString("actor-id"), c,
					search.Sort{Key: sortKey, Descending: order != "asc"},
					search.Page{Number: page, Size: pageSize})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Progress"})
				for _, t := range res.Items {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, t.Progress})
				}
				tw.Render()
				fmt.Printf("total: %d (pages: %d)\n", res.TotalCount, res.TotalPages)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&term, "q", "", "search term")
	cmd.Flags().BoolVar(&exact, "exact", false, "match the term as one phrase")
	cmd.Flags().StringVar(&projectID, "project", "", "project filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&sortKey, "sort", "", "sort key (created_at, due_date, priority)")
	cmd.Flags().StringVar(&order, "order", "desc", "sort order (asc, desc)")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "page size (capped)")
	return cmd
}

func searchProjectsCmd() *cobra.Command {
	var term, status, sortKey, order string
	var exact bool
	var page, pageSize int
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Search projects the actor belongs to",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSearch(cmd.Context(), func(ctx context.Context, se search.Engine) error {
				c := search.Criteria{Term: term, ExactPhrase: exact}
				if status != "" {
					c.Predicates = append(c.Predicates, search.Predicate{Field: "status", Op: search.OpEq, Value: status})
				}
				res, err := se.SearchProjects(ctx, viper.GetString("actor-id"), c,
					search.Sort{Key: sortKey, Descending: order != "asc"},
					search.Page{Number: page, Size: pageSize})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Progress"})
				for _, p := range res.Items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.Progress})
				}
				tw.Render()
				fmt.Printf("total: %d (pages: %d)\n", res.TotalCount, res.TotalPages)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&term, "q", "", "search term")
	cmd.Flags().BoolVar(&exact, "exact", false, "match the term as one phrase")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&sortKey, "sort", "", "sort key (created_at, start_date, task_count)")
	cmd.Flags().StringVar(&order, "order", "desc", "sort order (asc, desc)")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "page size (capped)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Activity log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail activity entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ListActivity(ctx, entityKind, entityID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Actor", "Action", "Entity", "Detail"})
				for _, en := range entries {
					tw.AppendRow(table.Row{en.TS, en.ActorID, en.Action, en.EntityKind + "/" + en.EntityID, en.Detail})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			log := logging.Init(cfg.Logging.File, cfg.Logging.Level)
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			secret := os.Getenv("TASKMAN_JWT_SECRET")
			if secret == "" {
				secret = cfg.Auth.JWTSecret
			}
			if secret == "" && !cfg.Auth.AllowActorHeader {
				return fmt.Errorf("TASKMAN_JWT_SECRET (or auth.jwt_secret) is required for bearer auth")
			}
			rec := activity.NewRecorder(conn, log, time.Now)
			e := engine.New(conn, cfg, rec)
			se := search.New(conn, cfg.Search.DefaultPageSize, cfg.Search.MaxPageSize)
			if !cmd.Flags().Changed("addr") || addr == "" {
				addr = cfg.Server.Addr
			}
			if !cmd.Flags().Changed("base-path") {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				Search:   se,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:        secret,
					TokenTTL:         time.Duration(cfg.Auth.TokenTTLHours) * time.Hour,
					AllowActorHeader: cfg.Auth.AllowActorHeader,
					Logger:           log,
				},
			})
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
			log.WithField("addr", addr).Info("serving API")
			fmt.Printf("Serving Taskman API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/api/v1", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
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
	rec := activity.NewRecorder(conn, logging.L(), time.Now)
	e := engine.New(conn, cfg, rec)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withSearch(ctx context.Context, fn func(context.Context, search.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
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
	return fn(ctx, search.New(conn, cfg.Search.DefaultPageSize, cfg.Search.MaxPageSize))
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
