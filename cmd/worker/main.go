package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskmgr818/render-at-home/internal/agent"
	"github.com/taskmgr818/render-at-home/internal/agent/config"
	"github.com/taskmgr818/render-at-home/internal/agent/journal"
	"github.com/taskmgr818/render-at-home/internal/log"
	"github.com/taskmgr818/render-at-home/internal/model"
)

var rootCmd = &cobra.Command{
	Use:           "render-worker",
	Short:         "Render worker for the render-at-home farm",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().String("config", "config.yaml", "path to config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Register with the farm and render dispatched subtasks",
		RunE:  runWorker,
	}
	runCmd.Flags().Bool("force", false, "abandon running subtasks on shutdown instead of finishing them")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print rendering statistics from the local journal",
		RunE:  printStats,
	}
	statsCmd.Flags().Int("recent", 10, "number of recent frames to list")

	watchCmd := &cobra.Command{
		Use:   "watch [task-id]",
		Short: "Follow a task's progress until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE:  watchTask,
	}
	watchCmd.Flags().String("server", "", "farm server URL (default: server.url from the config)")

	rootCmd.AddCommand(runCmd, statsCmd, watchCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	logger := log.Component("worker")
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	force, _ := cmd.Flags().GetBool("force")

	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer j.Close()

	renderer := agent.NewCommandRenderer(cfg.Render.Command, cfg.Render.Timeout)
	a := agent.New(cfg, j, renderer, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infof("starting worker, listening on %s", cfg.Worker.Listen)
	if err := a.Run(ctx, !force); err != nil {
		return err
	}
	logger.Info("worker stopped")
	return nil
}

func printStats(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("recent")

	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer j.Close()

	id, err := j.WorkerID()
	if err != nil {
		return err
	}
	stats, err := j.Stats()
	if err != nil {
		return err
	}
	recent, err := j.Recent(limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if id == "" {
		id = "(not registered)"
	}
	fmt.Fprintf(out, "Worker:          %s\n", id)
	fmt.Fprintf(out, "Frames rendered: %d (%d today)\n", stats.FramesRendered, stats.TodayFrames)
	fmt.Fprintf(out, "Frames failed:   %d\n", stats.FramesFailed)
	fmt.Fprintf(out, "Subtasks:        %d\n", stats.Subtasks)
	fmt.Fprintf(out, "Uploaded:        %.1f MiB\n", float64(stats.TotalBytes)/(1<<20))
	fmt.Fprintf(out, "Avg render:      %s\n", time.Duration(stats.AvgRenderMS*float64(time.Millisecond)).Round(time.Millisecond))
	if len(recent) == 0 {
		return nil
	}

	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTASK\tSUBTASK\tFRAME\tDURATION\tRESULT")
	for _, l := range recent {
		result := fmt.Sprintf("%d bytes", l.Size)
		if l.Error != "" {
			result = "error: " + l.Error
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			l.CreatedAt.Local().Format(time.DateTime), l.TaskID, l.SubtaskIndex, l.Frame, l.Duration.Round(time.Millisecond), result)
	}
	return tw.Flush()
}

func watchTask(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	if server == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		server = cfg.Server.URL
	}

	w, err := agent.NewWatcher(server, args[0], log.Component("watch"))
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	return w.Watch(ctx, func(p model.Progress) {
		fmt.Fprintf(out, "%s  %-14s stage %5.1f%%  total %5.1f%%\n",
			time.Now().Format(time.TimeOnly), p.Stage, p.CurrentStageProgress*100, p.TotalProgress*100)
	})
}
