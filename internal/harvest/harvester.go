// Package harvest turns the recorded start/stop intervals of a live session
// into archival harvest jobs, one per slice, with deterministic naming.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/classlive/live-control-plane/internal/metrics"
	"github.com/classlive/live-control-plane/internal/model"
	"github.com/classlive/live-control-plane/internal/stack"
)

// ErrOriginManifestMissing gates the whole harvest attempt: when the origin
// endpoint no longer serves its manifest, no jobs are created and the caller
// falls back to full deletion.
var ErrOriginManifestMissing = errors.New("origin manifest missing")

type Harvester struct {
	client stack.Client
	probe  *http.Client
}

func New(client stack.Client, probeTimeout time.Duration) *Harvester {
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	return &Harvester{
		client: client,
		probe:  &http.Client{Timeout: probeTimeout},
	}
}

// HarvestSlices submits one harvest job per pending slice of v, mutating each
// slice in place on success (status, job id, manifest key, output directory).
// Slice numbering is positional over the whole sequence, so it stays stable
// across stop/restart cycles of the same session.
func (h *Harvester) HarvestSlices(ctx context.Context, v *model.Video) error {
	if v.LiveInfo.Package == nil {
		return ErrOriginManifestMissing
	}
	endpoint, ok := v.LiveInfo.Package.Endpoints["hls"]
	if !ok {
		return ErrOriginManifestMissing
	}
	if err := h.probeManifest(ctx, endpoint.URL); err != nil {
		return err
	}

	stamp, err := h.channelStamp(ctx, v.LiveInfo.Package.ID)
	if err != nil {
		return err
	}

	created := 0
	for i := range v.RecordingSlices {
		n := i + 1
		slice := &v.RecordingSlices[i]
		if slice.Status != model.SlicePending {
			continue
		}
		jobID := harvestJobID(v.LiveInfo.Package.ID, stamp, n)
		manifestKey := fmt.Sprintf("%s/cmaf/slice_%d/%s_%d.m3u8", v.ID, n, stamp, n)

		var job stack.HarvestJob
		err := stack.Retry(ctx, "create_harvest_job", func(c context.Context) error {
			var createErr error
			job, createErr = h.client.CreateHarvestJob(c, stack.HarvestJobInput{
				ID:               jobID,
				OriginEndpointID: endpoint.ID,
				Start:            time.Unix(slice.Start, 0),
				End:              time.Unix(slice.Stop, 0),
				ManifestKey:      manifestKey,
			})
			return createErr
		})
		if err != nil {
			slice.Status = model.SliceFailed
			log.Printf("event=harvest_job_failed video_id=%s slice=%d err=%q", v.ID, n, err.Error())
			continue
		}
		slice.Status = model.SliceProcessing
		slice.HarvestJobID = job.ID
		slice.ManifestKey = manifestKey
		slice.HarvestedDirectory = fmt.Sprintf("slice_%d", n)
		created++
	}
	metrics.Default().IncCounter("live_harvest_jobs_total", map[string]string{"status": "created"})
	log.Printf("event=harvest_submitted video_id=%s jobs=%d", v.ID, created)
	return nil
}

// probeManifest checks the live HLS manifest is still addressable. A 404 from
// the origin means the recording window is gone.
func (h *Harvester) probeManifest(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.probe.Do(req)
	if err != nil {
		return fmt.Errorf("probe manifest: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrOriginManifestMissing
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe manifest: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// channelStamp resolves the creation stamp for naming: a stamp embedded in
// the package channel id wins, then the channel's own tags. Both derivations
// exist in the wild, so neither is treated as authoritative alone.
func (h *Harvester) channelStamp(ctx context.Context, packageChannelID string) (string, error) {
	if stamp, ok := stack.StampFromID(packageChannelID); ok {
		return stamp, nil
	}
	pc, err := h.client.DescribePackageChannel(ctx, packageChannelID)
	if err != nil {
		if errors.Is(err, stack.ErrNotFound) {
			return "", ErrOriginManifestMissing
		}
		return "", err
	}
	stamp, ok := pc.Tags[stack.TagStamp]
	if !ok || stamp == "" {
		return "", fmt.Errorf("package channel %s carries no stamp", packageChannelID)
	}
	return stamp, nil
}

func harvestJobID(packageChannelID, stamp string, n int) string {
	if _, ok := stack.StampFromID(packageChannelID); ok {
		return fmt.Sprintf("%s_%d", packageChannelID, n)
	}
	return fmt.Sprintf("%s_%s_%d", packageChannelID, stamp, n)
}
