package jobs

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/classlive/live-control-plane/internal/livestate"
	"github.com/classlive/live-control-plane/internal/model"
	"github.com/classlive/live-control-plane/internal/stack"
	"github.com/classlive/live-control-plane/internal/store"
)

// reapIdleChannels tears down stacks whose channel has sat externally IDLE
// with no internal activity for longer than the retention window. The video's
// live fields are released and its upload marked deleted.
func (r *Runner) reapIdleChannels(ctx context.Context) error {
	channels, err := r.client.ListChannels(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().UTC().Add(-r.idleRetention)

	for _, ch := range channels {
		if ch.State != livestate.ExternalIdle {
			continue
		}
		videoID, _, ok := stack.ParseChannelName(r.env, ch.Name)
		if !ok {
			continue
		}
		v, err := r.store.GetVideo(ctx, videoID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				// No owning video left; release the dangling channel.
				if err := r.prov.Teardown(ctx, videoID, model.LiveInfo{Channel: &model.ChannelInfo{ID: ch.ID}}); err != nil {
					log.Printf("event=reap_dangling_channel_failed channel_id=%s err=%q", ch.ID, err.Error())
				}
				continue
			}
			return err
		}
		if v.UpdatedAt.After(cutoff) {
			continue
		}

		if err := r.prov.Teardown(ctx, videoID, v.LiveInfo); err != nil {
			log.Printf("event=reap_teardown_failed video_id=%s err=%q", videoID, err.Error())
			continue
		}
		if err := r.store.ReleaseLive(ctx, videoID); err != nil {
			log.Printf("event=reap_release_failed video_id=%s err=%q", videoID, err.Error())
			continue
		}
		log.Printf("event=idle_reaped video_id=%s channel_id=%s", videoID, ch.ID)
	}
	return nil
}

// sweepOrphanPackages deletes package channels that no encoder channel
// references and that carry no harvest job still worth waiting for (any job
// not already failed keeps the package alive).
func (r *Runner) sweepOrphanPackages(ctx context.Context) error {
	pkgs, err := r.client.ListPackageChannels(ctx)
	if err != nil {
		return err
	}
	channels, err := r.client.ListChannels(ctx)
	if err != nil {
		return err
	}
	owned := make(map[string]bool, len(channels))
	for _, ch := range channels {
		if videoID, _, ok := stack.ParseChannelName(r.env, ch.Name); ok {
			owned[videoID] = true
		}
	}

	for _, pkg := range pkgs {
		videoID := strings.TrimPrefix(pkg.ID, r.env+"_")
		if videoID == pkg.ID || owned[videoID] {
			continue
		}
		jobs, err := r.client.ListHarvestJobs(ctx, pkg.ID)
		if err != nil {
			log.Printf("event=orphan_sweep_jobs_failed package_id=%s err=%q", pkg.ID, err.Error())
			continue
		}
		if anyJobAlive(jobs) {
			continue
		}

		endpoints, err := r.client.ListOriginEndpoints(ctx, pkg.ID)
		if err != nil {
			log.Printf("event=orphan_sweep_endpoints_failed package_id=%s err=%q", pkg.ID, err.Error())
			continue
		}
		info := model.LiveInfo{Package: &model.PackageInfo{
			ID:        pkg.ID,
			Endpoints: make(map[string]model.PackageEndpoint, len(endpoints)),
		}}
		for _, ep := range endpoints {
			info.Package.Endpoints[ep.ID] = model.PackageEndpoint{ID: ep.ID, URL: ep.URL}
		}
		if err := r.prov.Teardown(ctx, videoID, info); err != nil {
			log.Printf("event=orphan_sweep_teardown_failed package_id=%s err=%q", pkg.ID, err.Error())
			continue
		}
		log.Printf("event=orphan_package_swept package_id=%s video_id=%s", pkg.ID, videoID)
	}
	return nil
}

func anyJobAlive(jobs []stack.HarvestJob) bool {
	for _, job := range jobs {
		if !strings.EqualFold(job.Status, "FAILED") {
			return true
		}
	}
	return false
}
