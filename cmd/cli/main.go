// Copyright 2025 Harvex Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/harvexio/harvex/internal/engine/config"
	"github.com/harvexio/harvex/internal/engine/model"
	"github.com/harvexio/harvex/internal/engine/repo"
	"github.com/harvexio/harvex/internal/engine/service"
	"github.com/harvexio/harvex/internal/pkg/registry"
	"github.com/harvexio/harvex/internal/pkg/scheduler"
	"github.com/harvexio/harvex/pkg/canonical"
	"github.com/harvexio/harvex/pkg/database"
	"github.com/harvexio/harvex/pkg/metrics"
	"github.com/harvexio/harvex/pkg/version"
)

var configFile string

// cliEnv wires the read/write paths the operator commands need. No
// executor and no broker: the CLI touches the database only.
type cliEnv struct {
	repos   *repo.Repositories
	planner *service.PlannerService
	cursors *service.CursorService
	sched   *scheduler.Scheduler
	close   func() error
}

func newCliEnv() (*cliEnv, error) {
	cfg, err := config.LoadConfigFile(configFile)
	if err != nil {
		return nil, err
	}
	manager, err := database.NewManager(cfg.Database)
	if err != nil {
		return nil, err
	}
	db := database.NewDatabaseAdapter(manager)

	repos := repo.NewRepositories(
		repo.NewScheduleInstanceRepo(db),
		repo.NewPlanRepo(db),
		repo.NewSliceRepo(db),
		repo.NewTaskRepo(db),
		repo.NewTaskRunRepo(db),
		repo.NewCursorRepo(db),
		repo.NewOutboxRepo(db),
	)
	sink := metrics.NewSink()
	canon := canonical.NewService()
	reg := registry.NewClient(cfg.Registry)
	planner := service.NewPlannerService(db, repos, canon, reg, sink)
	cursors := service.NewCursorService(db, repos, sink)
	sched := scheduler.NewScheduler(cfg.Scheduler, repos, planner, reg, canon)
	return &cliEnv{
		repos:   repos,
		planner: planner,
		cursors: cursors,
		sched:   sched,
		close:   manager.Close,
	}, nil
}

var rootCmd = &cobra.Command{
	Use:   "harvex-cli",
	Short: "harvex cli is a command line tool",
	Long:  "harvex cli is a command line tool",
	Run: func(cmd *cobra.Command, args []string) {
		err := cmd.Help()
		if err != nil {
			return
		}
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Trigger an ingest plan for a provenance operation",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newCliEnv()
		if err != nil {
			return err
		}
		defer env.close()

		provenance, _ := cmd.Flags().GetString("provenance")
		operation, _ := cmd.Flags().GetString("operation")
		window, _ := cmd.Flags().GetInt("window")

		plan, err := env.sched.Trigger(context.Background(), &scheduler.JobConfig{
			ProvenanceCode: provenance,
			Operation:      operation,
			WindowMinutes:  window,
		}, model.TriggerTypeManual)
		if err != nil {
			return err
		}
		fmt.Printf("plan %d (%s) created, status %s\n", plan.ID, plan.PlanKey, plan.Status)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize plans, tasks and outbox rows by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newCliEnv()
		if err != nil {
			return err
		}
		defer env.close()
		ctx := context.Background()

		planCounts, err := env.repos.Plans.CountByStatus(ctx)
		if err != nil {
			return err
		}
		taskCounts, err := env.repos.Tasks.CountByStatus(ctx)
		if err != nil {
			return err
		}
		outboxCounts, err := env.repos.Outbox.CountByStatus(ctx)
		if err != nil {
			return err
		}

		printCounts := func(title string, counts map[string]int64) {
			fmt.Println(title)
			keys := make([]string, 0, len(counts))
			for k := range counts {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("  %-12s %d\n", k, counts[k])
			}
		}

		plans := make(map[string]int64, len(planCounts))
		for k, v := range planCounts {
			plans[string(k)] = v
		}
		tasks := make(map[string]int64, len(taskCounts))
		for k, v := range taskCounts {
			tasks[string(k)] = v
		}
		outbox := make(map[string]int64, len(outboxCounts))
		for k, v := range outboxCounts {
			outbox[string(k)] = v
		}
		printCounts("plans:", plans)
		printCounts("tasks:", tasks)
		printCounts("outbox:", outbox)
		return nil
	},
}

var plansCmd = &cobra.Command{
	Use:   "plans [planKey]",
	Short: "Show a plan and its slices, or list recent plans by status",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newCliEnv()
		if err != nil {
			return err
		}
		defer env.close()
		ctx := context.Background()

		if len(args) == 0 {
			status, _ := cmd.Flags().GetString("status")
			plans, err := env.repos.Plans.ListByStatus(ctx, model.PlanStatus(status), 50)
			if err != nil {
				return err
			}
			for _, p := range plans {
				fmt.Printf("%-8d %-40s %-10s %s\n", p.ID, p.PlanKey, p.Status, p.ProvenanceCode)
			}
			return nil
		}

		plan, err := env.repos.Plans.GetByKey(ctx, args[0])
		if err != nil {
			return err
		}
		if plan == nil {
			return fmt.Errorf("plan %s not found", args[0])
		}
		fmt.Printf("plan %d  key=%s  status=%s  window=[%s, %s)\n",
			plan.ID, plan.PlanKey, plan.Status,
			canonical.FormatInstant(plan.WindowFrom), canonical.FormatInstant(plan.WindowTo))
		slices, err := env.repos.Slices.ListByPlan(ctx, plan.ID)
		if err != nil {
			return err
		}
		for _, s := range slices {
			fmt.Printf("  slice %-8d seq=%-4d status=%-10s signature=%s\n",
				s.ID, s.SeqNo, s.Status, s.SignatureHash[:12])
		}
		return nil
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks <planId>",
	Short: "List the tasks of one plan",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newCliEnv()
		if err != nil {
			return err
		}
		defer env.close()
		ctx := context.Background()

		planId, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid plan id %q", args[0])
		}
		tasks, err := env.repos.Tasks.ListByPlan(ctx, planId)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			fmt.Printf("%-8d %-10s leases=%-3d owner=%-24s key=%s\n",
				t.ID, t.Status, t.LeaseCount, t.LeaseOwner, t.IdempotentKey[:12])
		}
		return nil
	},
}

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and repair the transactional outbox",
}

var outboxDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered outbox rows",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newCliEnv()
		if err != nil {
			return err
		}
		defer env.close()

		rows, err := env.repos.Outbox.ListByStatus(context.Background(), model.OutboxStatusDead, 100)
		if err != nil {
			return err
		}
		for _, m := range rows {
			fmt.Printf("%-8d %-28s retries=%-3d error=%s\n", m.ID, m.Channel, m.RetryCount, m.LastError)
		}
		return nil
	},
}

var outboxRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Return a dead outbox row to the publish queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newCliEnv()
		if err != nil {
			return err
		}
		defer env.close()
		ctx := context.Background()

		id, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid outbox id %q", args[0])
		}
		msg, err := env.repos.Outbox.GetById(ctx, id)
		if err != nil {
			return err
		}
		if msg == nil {
			return fmt.Errorf("outbox row %d not found", id)
		}
		if err := msg.Requeue(); err != nil {
			return err
		}
		ok, err := env.repos.Outbox.UpdateCAS(ctx, msg)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("outbox row %d changed concurrently", id)
		}
		fmt.Printf("outbox row %d requeued on %s\n", msg.ID, msg.Channel)
		return nil
	},
}

var cursorCmd = &cobra.Command{
	Use:   "cursor",
	Short: "Show a watermark and its recent advance history",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newCliEnv()
		if err != nil {
			return err
		}
		defer env.close()
		ctx := context.Background()

		provenance, _ := cmd.Flags().GetString("provenance")
		operation, _ := cmd.Flags().GetString("operation")
		cursorKey, _ := cmd.Flags().GetString("key")
		key := repo.CursorKey{ProvenanceCode: provenance, Operation: operation, CursorKey: cursorKey}

		cursor, err := env.cursors.Current(ctx, key)
		if err != nil {
			return err
		}
		if cursor == nil {
			fmt.Println("cursor has never advanced")
			return nil
		}
		fmt.Printf("cursor %d  type=%s  value=%s  observedMax=%s\n",
			cursor.ID, cursor.Type, cursor.ValueRaw, cursor.ObservedMax)
		events, err := env.cursors.Events(ctx, key, 20)
		if err != nil {
			return err
		}
		for _, e := range events {
			fmt.Printf("  %-8s %s -> %s  task=%d run=%d at=%s\n",
				e.Direction, e.PrevRaw, e.NewRaw, e.TaskId, e.RunId,
				e.AdvancedAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "conf", "conf.d/config.toml", "config file path")

	triggerCmd.Flags().String("provenance", "", "provenance code, e.g. pubmed")
	triggerCmd.Flags().String("operation", "", "operation, e.g. search")
	triggerCmd.Flags().Int("window", 0, "window minutes ending now, 0 uses the job default")
	_ = triggerCmd.MarkFlagRequired("provenance")
	_ = triggerCmd.MarkFlagRequired("operation")

	plansCmd.Flags().String("status", string(model.PlanStatusSlicing), "plan status filter for the list form")

	cursorCmd.Flags().String("provenance", "", "provenance code")
	cursorCmd.Flags().String("operation", "", "operation")
	cursorCmd.Flags().String("key", "", "cursor key, e.g. edat")
	_ = cursorCmd.MarkFlagRequired("provenance")
	_ = cursorCmd.MarkFlagRequired("operation")
	_ = cursorCmd.MarkFlagRequired("key")

	outboxCmd.AddCommand(outboxDeadCmd, outboxRequeueCmd)
	rootCmd.AddCommand(triggerCmd, statusCmd, plansCmd, tasksCmd, outboxCmd, cursorCmd, version.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		panic(err)
	}
}
