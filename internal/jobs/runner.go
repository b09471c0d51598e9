// Package jobs hosts the periodic background work of the control plane:
// drift reconciliation, idle reaping, orphan sweeping, and reminders. Every
// job is idempotent and only ever corrects toward the externally observed
// truth; none of them creates external resources.
package jobs

import (
	"context"
	"log"
	"time"

	"github.com/classlive/live-control-plane/internal/livestate"
	"github.com/classlive/live-control-plane/internal/metrics"
	"github.com/classlive/live-control-plane/internal/model"
	"github.com/classlive/live-control-plane/internal/notify"
	"github.com/classlive/live-control-plane/internal/realtime"
	"github.com/classlive/live-control-plane/internal/stack"
)

type Store interface {
	GetVideo(ctx context.Context, id string) (*model.Video, error)
	ForceLiveState(ctx context.Context, videoID string, target model.LiveState, now time.Time) (*model.Video, livestate.Effects, error)
	ReleaseLive(ctx context.Context, videoID string) error
	ListDeletionReminderCandidates(ctx context.Context, cutoff time.Time) ([]model.Video, error)
	MarkReminderSent(ctx context.Context, videoID string) error
}

type Provisioner interface {
	Teardown(ctx context.Context, videoID string, info model.LiveInfo) error
}

type Options struct {
	Environment   string
	IdleRetention time.Duration
}

type Runner struct {
	store      Store
	client     stack.Client
	prov       Provisioner
	dispatcher realtime.Dispatcher
	mailer     notify.Mailer

	env           string
	idleRetention time.Duration
}

func NewRunner(store Store, client stack.Client, prov Provisioner, dispatcher realtime.Dispatcher, mailer notify.Mailer, opts Options) *Runner {
	retention := opts.IdleRetention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if dispatcher == nil {
		dispatcher = realtime.NopDispatcher{}
	}
	if mailer == nil {
		mailer = notify.LogMailer{}
	}
	return &Runner{
		store:         store,
		client:        client,
		prov:          prov,
		dispatcher:    dispatcher,
		mailer:        mailer,
		env:           opts.Environment,
		idleRetention: retention,
	}
}

func (r *Runner) Start(ctx context.Context) {
	go r.runEvery(ctx, "drift_reconciler", 1*time.Minute, r.reconcileDrift)
	go r.runEvery(ctx, "idle_reaper", 10*time.Minute, r.reapIdleChannels)
	go r.runEvery(ctx, "orphan_package_sweep", 30*time.Minute, r.sweepOrphanPackages)
	go r.runEvery(ctx, "deletion_reminder", 1*time.Hour, r.sendDeletionReminders)
	go r.runEvery(ctx, "pipeline_redundancy_check", 5*time.Minute, r.checkPipelineRedundancy)
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := fn(ctx)
	durMs := float64(time.Since(start).Milliseconds())
	labels := map[string]string{
		"job": name,
	}
	if err != nil {
		log.Printf("metric=job_run name=%s status=error duration_ms=%d err=%q", name, int64(durMs), err.Error())
		labels["status"] = "error"
		metrics.Default().IncCounter("live_job_runs_total", labels)
		metrics.Default().ObserveHistogram("live_job_duration_ms", durMs, map[string]string{"job": name})
		return
	}
	log.Printf("metric=job_run name=%s status=ok duration_ms=%d", name, int64(durMs))
	labels["status"] = "ok"
	metrics.Default().IncCounter("live_job_runs_total", labels)
	metrics.Default().ObserveHistogram("live_job_duration_ms", durMs, map[string]string{"job": name})
}
