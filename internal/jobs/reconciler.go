package jobs

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/classlive/live-control-plane/internal/livestate"
	"github.com/classlive/live-control-plane/internal/metrics"
	"github.com/classlive/live-control-plane/internal/stack"
	"github.com/classlive/live-control-plane/internal/store"
)

// reconcileDrift walks every encoder channel owned by this environment and
// forces the internal live state to mirror the external one wherever the two
// are incompatible. It never touches external resources.
func (r *Runner) reconcileDrift(ctx context.Context) error {
	channels, err := r.client.ListChannels(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	for _, ch := range channels {
		videoID, _, ok := stack.ParseChannelName(r.env, ch.Name)
		if !ok {
			continue
		}
		v, err := r.store.GetVideo(ctx, videoID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				log.Printf("event=reconcile_orphan_channel channel_id=%s video_id=%s", ch.ID, videoID)
				continue
			}
			return err
		}
		if livestate.Compatible(v.LiveState, ch.State) {
			continue
		}
		target, ok := livestate.MirrorTarget(v, ch.State)
		if !ok {
			continue
		}

		updated, effects, err := r.store.ForceLiveState(ctx, videoID, target, now)
		if err != nil {
			log.Printf("event=reconcile_force_failed video_id=%s target=%s err=%q", videoID, target, err.Error())
			continue
		}
		metrics.Default().IncCounter("live_reconciler_corrections_total", map[string]string{"target": string(target)})
		log.Printf("event=reconcile_corrected video_id=%s channel_id=%s external=%s internal=%s forced=%s",
			videoID, ch.ID, ch.State, v.LiveState, target)
		if effects.NotifyViewers {
			if err := r.dispatcher.DispatchLiveUpdate(ctx, updated); err != nil {
				log.Printf("event=live_update_dispatch_failed video_id=%s err=%q", videoID, err.Error())
			}
		}
	}
	return nil
}

// checkPipelineRedundancy replays the encoder alert history for every
// running session and warns when both pipelines look silent. The inference
// assumes events arrive in order and none are missing, so it is logged as a
// warning, never acted on.
func (r *Runner) checkPipelineRedundancy(ctx context.Context) error {
	channels, err := r.client.ListChannels(ctx)
	if err != nil {
		return err
	}
	since := time.Now().UTC().Add(-15 * time.Minute)

	for _, ch := range channels {
		if ch.State != livestate.ExternalRunning {
			continue
		}
		videoID, _, ok := stack.ParseChannelName(r.env, ch.Name)
		if !ok {
			continue
		}
		v, err := r.store.GetVideo(ctx, videoID)
		if err != nil || v.LiveInfo.Observability == nil {
			continue
		}
		events, err := r.client.ListAlertEvents(ctx, v.LiveInfo.Observability.LogGroupName, since)
		if err != nil {
			log.Printf("event=pipeline_check_failed video_id=%s err=%q", videoID, err.Error())
			continue
		}
		if stack.BothPipelinesSilent(events) {
			log.Printf("event=pipeline_redundancy_lost video_id=%s channel_id=%s", videoID, ch.ID)
		}
	}
	return nil
}
