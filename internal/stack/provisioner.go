package stack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/aws/smithy-go"

	"github.com/classlive/live-control-plane/internal/metrics"
	"github.com/classlive/live-control-plane/internal/model"
)

// Channel states reported while a stack is being stood up.
const (
	channelStateIdle     = "IDLE"
	channelStateCreating = "CREATING"
)

type ProvisionerOptions struct {
	Environment  string
	WaitInterval time.Duration
	WaitAttempts int
}

// Provisioner stands up and tears down the external resources backing one
// live session: package channel and endpoint, ingest input, encoder channel.
type Provisioner struct {
	client       Client
	env          string
	waitInterval time.Duration
	waitAttempts int
}

func NewProvisioner(client Client, opts ProvisionerOptions) *Provisioner {
	interval := opts.WaitInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	attempts := opts.WaitAttempts
	if attempts <= 0 {
		attempts = 60
	}
	return &Provisioner{
		client:       client,
		env:          opts.Environment,
		waitInterval: interval,
		waitAttempts: attempts,
	}
}

type StackResult struct {
	Stamp   string
	Input   model.InputInfo
	Channel model.ChannelInfo
	Package model.PackageInfo
}

// CreateLiveStack provisions the full stack for a video. The sequence is
// strictly ordered: each step consumes identifiers produced by the previous
// one.
func (p *Provisioner) CreateLiveStack(ctx context.Context, videoID string) (*StackResult, error) {
	start := time.Now()
	res, err := p.createLiveStack(ctx, videoID)
	durMS := float64(time.Since(start).Milliseconds())
	labels := map[string]string{"status": "ok"}
	if err != nil {
		labels["status"] = "error"
	}
	metrics.Default().IncCounter("live_stack_provision_total", labels)
	metrics.Default().ObserveHistogram("live_stack_provision_latency_ms", durMS, labels)
	log.Printf("metric=stack_provision_latency_ms video_id=%s value=%d status=%s", videoID, time.Since(start).Milliseconds(), labels["status"])
	return res, err
}

func (p *Provisioner) createLiveStack(ctx context.Context, videoID string) (*StackResult, error) {
	stamp := strconv.FormatInt(time.Now().Unix(), 10)
	pkgID := PackageChannelID(p.env, videoID)
	channelName := ChannelName(p.env, videoID, stamp)
	stampTags := map[string]string{TagStamp: stamp}

	var pkgChannel PackageChannel
	err := Retry(ctx, "create_package_channel", func(c context.Context) error {
		var createErr error
		pkgChannel, createErr = p.client.CreatePackageChannel(c, pkgID, stampTags)
		return createErr
	})
	if err != nil {
		return nil, fmt.Errorf("package channel %s: %w", pkgID, err)
	}

	for _, ep := range pkgChannel.Ingest {
		name := fmt.Sprintf("%s_%s", p.env, ep.Username)
		if err := Retry(ctx, "store_ingest_secret", func(c context.Context) error {
			return p.client.StoreIngestSecret(c, name, ep.Password)
		}); err != nil {
			return nil, fmt.Errorf("ingest secret %s: %w", name, err)
		}
	}

	var endpoint OriginEndpoint
	err = Retry(ctx, "create_origin_endpoint", func(c context.Context) error {
		var createErr error
		endpoint, createErr = p.client.CreateHLSOriginEndpoint(c, pkgID, pkgID+"_hls")
		return createErr
	})
	if err != nil {
		return nil, fmt.Errorf("origin endpoint: %w", err)
	}

	securityGroupID, err := p.client.EnsureInputSecurityGroup(ctx)
	if err != nil {
		return nil, fmt.Errorf("input security group: %w", err)
	}

	var input Input
	err = Retry(ctx, "create_input", func(c context.Context) error {
		var createErr error
		input, createErr = p.client.CreateInput(c, channelName, securityGroupID, stampTags)
		return createErr
	})
	if err != nil {
		return nil, fmt.Errorf("input: %w", err)
	}

	destinations := make([]IngestDestination, 0, len(pkgChannel.Ingest))
	for _, ep := range pkgChannel.Ingest {
		destinations = append(destinations, IngestDestination{
			URL:           ep.URL,
			Username:      ep.Username,
			PasswordParam: fmt.Sprintf("%s_%s", p.env, ep.Username),
		})
	}

	var channel Channel
	err = Retry(ctx, "create_channel", func(c context.Context) error {
		var createErr error
		channel, createErr = p.client.CreateChannel(c, CreateChannelInput{
			Name:         channelName,
			InputID:      input.ID,
			Destinations: destinations,
			Tags:         stampTags,
		})
		return createErr
	})
	if err != nil {
		return nil, fmt.Errorf("channel: %w", err)
	}

	return &StackResult{
		Stamp:   stamp,
		Input:   model.InputInfo{ID: input.ID, Endpoints: input.Endpoints},
		Channel: model.ChannelInfo{ID: channel.ID, ARN: channel.ARN},
		Package: model.PackageInfo{
			ID: pkgChannel.ID,
			Endpoints: map[string]model.PackageEndpoint{
				"hls": {ID: endpoint.ID, URL: endpoint.URL},
			},
		},
	}, nil
}

// WaitUntilReady polls the channel until it leaves its creating state.
// Exceeding the attempt budget is fatal and surfaced to the caller; the stack
// is left as created-but-unconfirmed for manual inspection.
func (p *Provisioner) WaitUntilReady(ctx context.Context, channelID string) error {
	for attempt := 1; attempt <= p.waitAttempts; attempt++ {
		detail, err := p.client.DescribeChannel(ctx, channelID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if err == nil && detail.State != channelStateCreating {
			if detail.State == channelStateIdle {
				return nil
			}
			return fmt.Errorf("channel %s entered unexpected state %s", channelID, detail.State)
		}
		timer := time.NewTimer(p.waitInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w: channel %s still not ready after %d attempts", ErrProvisioningTimeout, channelID, p.waitAttempts)
}

// Teardown deletes every stack resource recorded in info. Resources already
// gone are skipped; the operation is safe to repeat.
func (p *Provisioner) Teardown(ctx context.Context, videoID string, info model.LiveInfo) error {
	start := time.Now()
	err := p.teardown(ctx, info)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.Default().IncCounter("live_stack_teardown_total", map[string]string{"status": status})
	log.Printf("metric=stack_teardown_latency_ms video_id=%s value=%d status=%s", videoID, time.Since(start).Milliseconds(), status)
	return err
}

// TeardownEncoder deletes only the channel and input, leaving the package
// channel and its endpoints in place so pending recordings can still be
// harvested. The orphan sweep collects the package channel once no live
// harvest job references it.
func (p *Provisioner) TeardownEncoder(ctx context.Context, videoID string, info model.LiveInfo) error {
	return p.Teardown(ctx, videoID, model.LiveInfo{Input: info.Input, Channel: info.Channel})
}

func (p *Provisioner) teardown(ctx context.Context, info model.LiveInfo) error {
	if info.Channel != nil {
		if err := Retry(ctx, "delete_channel", func(c context.Context) error {
			return p.client.DeleteChannel(c, info.Channel.ID)
		}); err != nil {
			return fmt.Errorf("delete channel %s: %w", info.Channel.ID, err)
		}
	}
	if info.Input != nil {
		if err := p.deleteInputWhenDetached(ctx, info.Input.ID); err != nil {
			return fmt.Errorf("delete input %s: %w", info.Input.ID, err)
		}
	}
	if info.Package != nil {
		for _, ep := range info.Package.Endpoints {
			if err := Retry(ctx, "delete_origin_endpoint", func(c context.Context) error {
				return p.client.DeleteOriginEndpoint(c, ep.ID)
			}); err != nil {
				return fmt.Errorf("delete origin endpoint %s: %w", ep.ID, err)
			}
		}
		if err := Retry(ctx, "delete_package_channel", func(c context.Context) error {
			return p.client.DeletePackageChannel(c, info.Package.ID)
		}); err != nil {
			return fmt.Errorf("delete package channel %s: %w", info.Package.ID, err)
		}
	}
	return nil
}

// deleteInputWhenDetached retries input deletion while the channel release is
// still propagating; an input cannot be deleted while attached.
func (p *Provisioner) deleteInputWhenDetached(ctx context.Context, inputID string) error {
	var lastErr error
	for attempt := 1; attempt <= p.waitAttempts; attempt++ {
		err := p.client.DeleteInput(ctx, inputID)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isConflict(err) {
			return err
		}
		timer := time.NewTimer(p.waitInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func isConflict(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "ConflictException"
}
