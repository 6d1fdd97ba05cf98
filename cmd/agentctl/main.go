// agentctl is the operator CLI: it submits and assigns tasks, reports agent
// and queue state, and can stand in for an external tool by publishing a
// completion.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"agentnet/internal/broker"
	"agentnet/internal/config"
	"agentnet/internal/dispatcher"
	"agentnet/internal/models"
	"agentnet/internal/protocol"
	"agentnet/internal/store"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: agentctl <command> [flags]

commands:
  submit    create a task and (by default) assign it to the developer
  assign    assign an existing pending task
  complete  publish a completion report for a task
  status    show agent statuses with derived liveness
  tasks     list active and archived tasks
  queues    show queue depth and consumer counts

run "agentctl <command> -h" for the flags of a command.
`)
}

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "submit":
		err = runSubmit(args)
	case "assign":
		err = runAssign(args)
	case "complete":
		err = runComplete(args)
	case "status":
		err = runStatus(args)
	case "tasks":
		err = runTasks(args)
	case "queues":
		err = runQueues(args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "agentctl: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("agentctl %s: %v", cmd, err)
	}
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("AGENTNET_CONFIG"), "path to TOML config file")
	return fs, configPath
}

func loadConfig(path string) (config.Config, error) {
	return config.LoadFile(path)
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	return store.Open(ctx, cfg.StoreDSN, cfg.ActivityLimit)
}

func connectBroker(ctx context.Context, cfg config.Config) (*broker.Connection, error) {
	return broker.Connect(ctx, cfg.Broker, log.New(os.Stderr, "", 0))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runSubmit(args []string) error {
	fs, configPath := newFlagSet("submit")
	desc := fs.String("d", "", "task description (required)")
	reqs := fs.String("r", "", "comma-separated requirements")
	assign := fs.Bool("assign", true, "assign the task immediately")
	agent := fs.String("agent", "", "agent to assign to (default: configured developer)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *desc == "" {
		return errors.New("-d description is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	bk, err := connectBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer bk.Close()

	d := dispatcher.New(cfg, st, bk, log.New(os.Stderr, "", 0))
	task, err := d.CreateTask(ctx, *desc, splitList(*reqs))
	if err != nil {
		return err
	}
	fmt.Printf("created %s\n", task.ID)

	if *assign {
		target := *agent
		if target == "" {
			target = cfg.DeveloperID
		}
		if err := d.AssignTask(ctx, task.ID, target); err != nil {
			return err
		}
		fmt.Printf("assigned %s to %s\n", task.ID, target)
	}
	return nil
}

func runAssign(args []string) error {
	fs, configPath := newFlagSet("assign")
	agent := fs.String("agent", "", "agent to assign to (default: configured developer)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	taskID := fs.Arg(0)
	if taskID == "" {
		return errors.New("task id argument is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	bk, err := connectBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer bk.Close()

	target := *agent
	if target == "" {
		target = cfg.DeveloperID
	}
	d := dispatcher.New(cfg, st, bk, log.New(os.Stderr, "", 0))
	if err := d.AssignTask(ctx, taskID, target); err != nil {
		return err
	}
	fmt.Printf("assigned %s to %s\n", taskID, target)
	return nil
}

func runComplete(args []string) error {
	fs, configPath := newFlagSet("complete")
	failed := fs.Bool("failed", false, "report the task as failed")
	summary := fs.String("summary", "", "result summary")
	errText := fs.String("error", "", "error text for a failed task")
	deliver := fs.String("deliver", "", "comma-separated deliverables")
	if err := fs.Parse(args); err != nil {
		return err
	}
	taskID := fs.Arg(0)
	if taskID == "" {
		return errors.New("task id argument is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	bk, err := connectBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer bk.Close()

	result := models.StatusCompleted
	if *failed {
		result = models.StatusFailed
	}
	env, err := protocol.NewCompletion(cfg.DeveloperID, cfg.ManagerID, protocol.Completion{
		TaskID:       taskID,
		Result:       result,
		Summary:      *summary,
		Deliverables: splitList(*deliver),
		Error:        *errText,
		CompletedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := bk.Publish(ctx, cfg.Broker.ManagerQueue, env); err != nil {
		return err
	}
	fmt.Printf("reported %s as %s\n", taskID, result)
	return nil
}

func runStatus(args []string) error {
	fs, configPath := newFlagSet("status")
	query := fs.Bool("query", false, "also publish a status query to the developer")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	now := time.Now().UTC()
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tSTATE\tTASK\tHEARTBEAT\tACTIVE")
	for _, id := range []string{cfg.ManagerID, cfg.DeveloperID} {
		status, err := st.GetAgentStatus(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			fmt.Fprintf(w, "%s\t-\t-\t-\t-\n", id)
			continue
		}
		if err != nil {
			return err
		}
		task := "-"
		if status.CurrentTask != nil {
			task = *status.CurrentTask
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s ago\t%t\n",
			status.AgentID, status.State, task,
			now.Sub(status.LastHeartbeat).Round(time.Second),
			models.IsActive(status, now, cfg.ActiveWindow))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if *query {
		bk, err := connectBroker(ctx, cfg)
		if err != nil {
			return err
		}
		defer bk.Close()
		env, err := protocol.NewStatusQuery(cfg.ManagerID, cfg.DeveloperID)
		if err != nil {
			return err
		}
		if err := bk.Publish(ctx, cfg.Broker.DeveloperQueue, env); err != nil {
			return err
		}
		fmt.Println("status query published")
	}
	return nil
}

func runTasks(args []string) error {
	fs, configPath := newFlagSet("tasks")
	limit := fs.Int("limit", 20, "maximum tasks per section")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	active, err := st.QueryTasks(ctx, store.TaskQuery{
		Statuses: []models.TaskStatus{models.StatusPending, models.StatusAssigned, models.StatusInProgress},
		Order:    store.OrderCreatedDesc,
		Limit:    *limit,
	})
	if err != nil {
		return err
	}
	completed, err := st.QueryTasks(ctx, store.TaskQuery{
		Statuses: []models.TaskStatus{models.StatusCompleted, models.StatusFailed},
		Order:    store.OrderCompletedDesc,
		Limit:    *limit,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tAGENT\tAGE\tDESCRIPTION")
	now := time.Now().UTC()
	for _, task := range active {
		agent := task.AssignedAgent
		if agent == "" {
			agent = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			task.ID, task.Status, agent, now.Sub(task.CreatedAt).Round(time.Second), task.Description)
	}
	for _, task := range completed {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			task.ID, task.Status, task.AssignedAgent, now.Sub(task.CreatedAt).Round(time.Second), task.Description)
	}
	return w.Flush()
}

func runQueues(args []string) error {
	fs, configPath := newFlagSet("queues")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	bk, err := connectBroker(ctx, cfg)
	if err != nil {
		return err
	}
	defer bk.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "QUEUE\tMESSAGES\tCONSUMERS")
	for _, q := range []string{cfg.Broker.ManagerQueue, cfg.Broker.DeveloperQueue} {
		info, err := bk.QueueInfo(ctx, q)
		if err != nil {
			return fmt.Errorf("queue %s: %w", q, err)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\n", info.Queue, info.MessageCount, info.ConsumerCount)
	}
	return w.Flush()
}
