package worker

import (
	"context"
	"log/slog"
	"time"
)

// SweepTask is periodic housekeeping run by the worker service.
type SweepTask struct {
	Name string
	Run  func(ctx context.Context) error
}

// runSweeper runs every sweep task on each tick until the worker stops
func (w *Worker) runSweeper(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()

	w.logger.Info("Sweeper started",
		slog.Duration("interval", w.sweepInterval),
		slog.Int("tasks", len(w.sweepTasks)),
	)

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Worker) sweep(ctx context.Context) {
	for _, task := range w.sweepTasks {
		taskCtx, cancel := context.WithTimeout(ctx, w.sweepInterval)
		err := task.Run(taskCtx)
		cancel()

		if err != nil {
			w.logger.Error("Sweep task failed",
				slog.String("task", task.Name),
				slog.Any("error", err),
			)
		}
	}
}

// StaleJobsTask fails RUNNING jobs whose worker stopped heartbeating
func (w *Worker) StaleJobsTask(staleAfter time.Duration) SweepTask {
	return SweepTask{
		Name: "stale-jobs",
		Run: func(ctx context.Context) error {
			_, err := w.storage.FailStaleJobs(ctx, staleAfter)
			return err
		},
	}
}

// AddSweepTasks registers housekeeping that needs the worker itself. Call
// before Start.
func (w *Worker) AddSweepTasks(tasks ...SweepTask) {
	w.sweepTasks = append(w.sweepTasks, tasks...)
}
