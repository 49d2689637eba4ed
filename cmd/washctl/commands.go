package main

import (
	"fmt"
	"os"
	"slices"

	"novel-wash/internal/database"
	"novel-wash/internal/events"
	"novel-wash/internal/model"
	"novel-wash/internal/planner"
	"novel-wash/internal/platform"
	"novel-wash/internal/queue"
	"novel-wash/internal/repository"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func (a *app) sessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Manage sessions"}

	importCmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Create a session from a YAML or JSON chapter manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			s, err := parseManifest(data, a.cfg.NovelLanguage)
			if err != nil {
				return err
			}
			infra, err := a.open(cmd.Context(), platform.Needs{DB: true})
			if err != nil {
				return err
			}
			defer infra.Close()

			if err := repository.NewPgSessionRepository(infra.DB, a.logger).Create(cmd.Context(), s); err != nil {
				return err
			}
			a.logger.Info("Session imported", zap.String("session_id", s.ID), zap.Int("chapters", len(s.Chapters)))
			return printJSON(cmd, map[string]interface{}{"sessionId": s.ID, "chapters": len(s.Chapters)})
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print session status and node counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			infra, err := a.open(cmd.Context(), platform.Needs{DB: true})
			if err != nil {
				return err
			}
			defer infra.Close()

			s, err := repository.NewPgSessionRepository(infra.DB, a.logger).Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, summarizeSession(s))
		},
	}

	cmd.AddCommand(importCmd, showCmd)
	return cmd
}

type sessionSummary struct {
	ID           string         `json:"id"`
	Status       string         `json:"status"`
	Language     string         `json:"language"`
	Chapters     int            `json:"chapters"`
	Indexed      int            `json:"indexed"`
	PlanEvents   int            `json:"planEvents"`
	Nodes        map[string]int `json:"nodes"`
	BranchNodes  int            `json:"branchNodes"`
	CharacterMap int            `json:"characterMap"`
}

// summarizeSession считает узлы по статусам. Узлы веток считаются отдельно.
func summarizeSession(s *model.Session) sessionSummary {
	sum := sessionSummary{
		ID:           s.ID,
		Status:       string(s.Status),
		Language:     s.Language,
		Chapters:     len(s.Chapters),
		Indexed:      len(s.ChapterIndex),
		PlanEvents:   len(s.PlanEvents),
		Nodes:        map[string]int{},
		CharacterMap: len(s.CharacterMap),
	}
	for _, n := range s.Nodes {
		if !n.IsMain() {
			sum.BranchNodes++
			continue
		}
		sum.Nodes[string(n.Status)]++
	}
	return sum
}

func (a *app) planCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "plan", Short: "Manage the event plan of a session"}

	confirmCmd := &cobra.Command{
		Use:   "confirm <session>",
		Short: "Turn the saved plan into pending nodes so generation can start",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			infra, err := a.open(cmd.Context(), platform.Needs{DB: true})
			if err != nil {
				return err
			}
			defer infra.Close()

			s, err := planner.Confirm(cmd.Context(), repository.NewPgSessionRepository(infra.DB, a.logger), args[0])
			if err != nil {
				return err
			}
			a.logger.Info("Plan confirmed", zap.String("session_id", s.ID), zap.Int("nodes", len(s.Nodes)))
			return printJSON(cmd, summarizeSession(s))
		},
	}

	cmd.AddCommand(confirmCmd)
	return cmd
}

func (a *app) enqueueCmd() *cobra.Command {
	var (
		sessionID string
		taskID    string
		nodeID    int
		startFrom int
		mode      string
		data      queue.JobData
	)
	cmd := &cobra.Command{
		Use:       "enqueue <queue>",
		Short:     "Create a task and enqueue a pipeline job",
		Args:      cobra.ExactArgs(1),
		ValidArgs: queue.AllQueues,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := args[0]
			if !slices.Contains(queue.AllQueues, q) {
				return fmt.Errorf("unknown queue %q, expected one of %v", q, queue.AllQueues)
			}
			ctx := cmd.Context()
			infra, err := a.open(ctx, platform.Needs{DB: true, Rabbit: true})
			if err != nil {
				return err
			}
			defer infra.Close()

			broker, err := queue.NewRabbitBroker(infra.Rabbit, a.cfg.QueuePrefix, a.logger)
			if err != nil {
				return err
			}
			defer func() { _ = broker.Close() }()

			if _, err := repository.NewPgSessionRepository(infra.DB, a.logger).Get(ctx, sessionID); err != nil {
				return err
			}
			tasks := repository.NewPgTaskRepository(infra.DB, a.logger)
			if taskID == "" {
				taskID = uuid.NewString()
				task := &model.Task{ID: taskID, SessionID: sessionID, Type: model.TaskType(q), Status: model.TaskStatusPending}
				if err := tasks.Create(ctx, task); err != nil {
					return err
				}
			} else if _, err := tasks.Get(ctx, taskID); err != nil {
				return err
			}

			data.SessionID = sessionID
			data.TaskID = taskID
			data.Mode = model.PlanningMode(mode)
			if cmd.Flags().Changed("node") {
				data.NodeID = model.IntPtr(nodeID)
			}
			if cmd.Flags().Changed("start-from") {
				data.StartFromNode = model.IntPtr(startFrom)
			}
			jobID, err := broker.Enqueue(ctx, q, data, queue.EnqueueOptions{})
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{"taskId": taskID, "jobId": jobID, "queue": q})
		},
	}
	f := cmd.Flags()
	f.StringVar(&sessionID, "session", "", "Session id")
	f.StringVar(&taskID, "task", "", "Existing task id (a new task is created when empty)")
	f.IntVar(&nodeID, "node", 0, "Single node id (generate, review)")
	f.IntVar(&startFrom, "start-from", 0, "First node id to generate")
	f.StringVar(&mode, "mode", "", "Planning mode: auto, split, merge, one_to_one")
	f.IntVar(&data.TargetNodeCount, "target", 0, "Target node count for planning")
	f.StringVar(&data.Model, "model", "", "Model override")
	f.BoolVar(&data.AutoReview, "auto-review", false, "Review each generated node")
	f.BoolVar(&data.AutoFix, "auto-fix", false, "Re-roll low scored nodes during review")
	f.BoolVar(&data.RemapCharacters, "remap", false, "Rename characters using the character map")
	f.StringVar(&data.CustomInstructions, "instructions", "", "Extra instructions for generation")
	f.IntVar(&data.TargetDivergent, "divergent", 0, "Divergent branch count")
	f.IntVar(&data.TargetConvergent, "convergent", 0, "Convergent branch count")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func (a *app) taskCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "task <id>",
		Short: "Print a task, optionally following its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			infra, err := a.open(ctx, platform.Needs{DB: true, Redis: follow})
			if err != nil {
				return err
			}
			defer infra.Close()

			tasks := repository.NewPgTaskRepository(infra.DB, a.logger)
			var sub <-chan model.Event
			if follow {
				// подписка до чтения статуса, иначе финальное событие можно пропустить
				var unsubscribe func()
				sub, unsubscribe, err = events.NewRedisBus(infra.Redis, a.logger).Subscribe(ctx, events.JobChannel(args[0]))
				if err != nil {
					return err
				}
				defer unsubscribe()
			}

			task, err := tasks.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if err := printJSON(cmd, task); err != nil {
				return err
			}
			if !follow || task.Status.IsTerminal() {
				return nil
			}
			for {
				select {
				case ev, ok := <-sub:
					if !ok {
						return nil
					}
					if err := printJSON(cmd, ev); err != nil {
						return err
					}
					if ev.Terminal() {
						return nil
					}
				case <-ctx.Done():
					return nil
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Stream task events until it finishes")
	return cmd
}

func (a *app) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "Manage database schema"}

	var createDB bool
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if createDB {
				created, err := database.EnsureDatabase(ctx, a.cfg, a.logger)
				if err != nil {
					return err
				}
				if created {
					a.logger.Info("Database created", zap.String("db", a.cfg.DBName))
				}
			}
			return a.withMigrator(cmd, func(m *database.Migrator) error { return m.Up(ctx) })
		},
	}
	upCmd.Flags().BoolVar(&createDB, "create-db", false, "Create the database if it does not exist")

	var steps int
	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withMigrator(cmd, func(m *database.Migrator) error { return m.Down(cmd.Context(), steps) })
		},
	}
	downCmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back (0 = all)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withMigrator(cmd, func(m *database.Migrator) error {
				v, dirty, err := m.Version(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]interface{}{"version": v, "dirty": dirty})
			})
		},
	}

	cmd.AddCommand(upCmd, downCmd, versionCmd)
	return cmd
}

func (a *app) withMigrator(cmd *cobra.Command, fn func(m *database.Migrator) error) error {
	infra, err := a.open(cmd.Context(), platform.Needs{DB: true})
	if err != nil {
		return err
	}
	defer infra.Close()
	return fn(database.NewMigrator(infra.DB, a.logger))
}

// pauseCmd - pause или resume генерации сессии.
func (a *app) pauseCmd(pause bool) *cobra.Command {
	use, short := "resume <session>", "Resume generation of a session"
	if pause {
		use, short = "pause <session>", "Pause generation of a session before its next node"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			infra, err := a.open(ctx, platform.Needs{Redis: true})
			if err != nil {
				return err
			}
			defer infra.Close()

			pauses := repository.NewRedisPauseStore(infra.Redis, a.cfg.QueuePrefix, a.logger)
			if pause {
				err = pauses.Pause(ctx, args[0])
			} else {
				err = pauses.Resume(ctx, args[0])
			}
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]interface{}{"sessionId": args[0], "paused": pause})
		},
	}
}
