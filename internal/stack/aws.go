package stack

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/medialive"
	medialivetypes "github.com/aws/aws-sdk-go-v2/service/medialive/types"
	"github.com/aws/aws-sdk-go-v2/service/mediapackage"
	mediapackagetypes "github.com/aws/aws-sdk-go-v2/service/mediapackage/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type AWSClientOptions struct {
	Environment    string
	Region         string
	MediaLiveRole  string
	HarvestBucket  string
	HarvestRole    string
}

type AWSClient struct {
	opts AWSClientOptions
	live *medialive.Client
	pkg  *mediapackage.Client
	ssm  *ssm.Client
	logs *cloudwatchlogs.Client
}

func NewAWSClient(ctx context.Context, opts AWSClientOptions) (*AWSClient, error) {
	if strings.TrimSpace(opts.Environment) == "" {
		return nil, fmt.Errorf("environment tag is required")
	}
	if strings.TrimSpace(opts.MediaLiveRole) == "" {
		return nil, fmt.Errorf("medialive role arn is required")
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}
	return &AWSClient{
		opts: opts,
		live: medialive.NewFromConfig(cfg),
		pkg:  mediapackage.NewFromConfig(cfg),
		ssm:  ssm.NewFromConfig(cfg),
		logs: cloudwatchlogs.NewFromConfig(cfg),
	}, nil
}

func (c *AWSClient) baseTags(extra map[string]string) map[string]string {
	tags := map[string]string{
		TagApp:         AppTagValue,
		TagEnvironment: c.opts.Environment,
	}
	for k, v := range extra {
		tags[k] = v
	}
	return tags
}

func (c *AWSClient) CreatePackageChannel(ctx context.Context, id string, tags map[string]string) (PackageChannel, error) {
	out, err := c.pkg.CreateChannel(ctx, &mediapackage.CreateChannelInput{
		Id:   aws.String(id),
		Tags: c.baseTags(tags),
	})
	if err != nil {
		return PackageChannel{}, fmt.Errorf("create package channel: %w", err)
	}
	return packageChannelFromAPI(out.Id, out.HlsIngest, out.Tags), nil
}

func (c *AWSClient) DescribePackageChannel(ctx context.Context, id string) (PackageChannel, error) {
	out, err := c.pkg.DescribeChannel(ctx, &mediapackage.DescribeChannelInput{Id: aws.String(id)})
	if err != nil {
		if IsMissing(err) {
			return PackageChannel{}, ErrNotFound
		}
		return PackageChannel{}, fmt.Errorf("describe package channel: %w", err)
	}
	return packageChannelFromAPI(out.Id, out.HlsIngest, out.Tags), nil
}

func (c *AWSClient) ListPackageChannels(ctx context.Context) ([]PackageChannel, error) {
	var channels []PackageChannel
	var token *string
	for {
		out, err := c.pkg.ListChannels(ctx, &mediapackage.ListChannelsInput{NextToken: token})
		if err != nil {
			return nil, fmt.Errorf("list package channels: %w", err)
		}
		for _, ch := range out.Channels {
			if ch.Tags[TagEnvironment] != c.opts.Environment {
				continue
			}
			channels = append(channels, packageChannelFromAPI(ch.Id, ch.HlsIngest, ch.Tags))
		}
		if out.NextToken == nil {
			return channels, nil
		}
		token = out.NextToken
	}
}

func (c *AWSClient) DeletePackageChannel(ctx context.Context, id string) error {
	_, err := c.pkg.DeleteChannel(ctx, &mediapackage.DeleteChannelInput{Id: aws.String(id)})
	if err != nil && !IsMissing(err) {
		return fmt.Errorf("delete package channel: %w", err)
	}
	return nil
}

func (c *AWSClient) CreateHLSOriginEndpoint(ctx context.Context, channelID, id string) (OriginEndpoint, error) {
	out, err := c.pkg.CreateOriginEndpoint(ctx, &mediapackage.CreateOriginEndpointInput{
		ChannelId:    aws.String(channelID),
		Id:           aws.String(id),
		ManifestName: aws.String(id),
		// Startover window bounds how far back a harvest job can reach.
		StartoverWindowSeconds: aws.Int32(86400),
		HlsPackage: &mediapackagetypes.HlsPackage{
			SegmentDurationSeconds:         aws.Int32(4),
			PlaylistWindowSeconds:          aws.Int32(60),
			ProgramDateTimeIntervalSeconds: aws.Int32(60),
		},
	})
	if err != nil {
		return OriginEndpoint{}, fmt.Errorf("create origin endpoint: %w", err)
	}
	return OriginEndpoint{
		ID:        aws.ToString(out.Id),
		ChannelID: aws.ToString(out.ChannelId),
		URL:       aws.ToString(out.Url),
	}, nil
}

func (c *AWSClient) ListOriginEndpoints(ctx context.Context, channelID string) ([]OriginEndpoint, error) {
	var endpoints []OriginEndpoint
	var token *string
	for {
		out, err := c.pkg.ListOriginEndpoints(ctx, &mediapackage.ListOriginEndpointsInput{
			ChannelId: aws.String(channelID),
			NextToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("list origin endpoints: %w", err)
		}
		for _, ep := range out.OriginEndpoints {
			endpoints = append(endpoints, OriginEndpoint{
				ID:        aws.ToString(ep.Id),
				ChannelID: aws.ToString(ep.ChannelId),
				URL:       aws.ToString(ep.Url),
			})
		}
		if out.NextToken == nil {
			return endpoints, nil
		}
		token = out.NextToken
	}
}

func (c *AWSClient) DeleteOriginEndpoint(ctx context.Context, id string) error {
	_, err := c.pkg.DeleteOriginEndpoint(ctx, &mediapackage.DeleteOriginEndpointInput{Id: aws.String(id)})
	if err != nil && !IsMissing(err) {
		return fmt.Errorf("delete origin endpoint: %w", err)
	}
	return nil
}

// EnsureInputSecurityGroup finds the shared accept-all input security group
// for this environment, creating it on first use. Security groups are
// quota-limited, so one is shared by every input.
func (c *AWSClient) EnsureInputSecurityGroup(ctx context.Context) (string, error) {
	var token *string
	for {
		out, err := c.live.ListInputSecurityGroups(ctx, &medialive.ListInputSecurityGroupsInput{NextToken: token})
		if err != nil {
			return "", fmt.Errorf("list input security groups: %w", err)
		}
		for _, sg := range out.InputSecurityGroups {
			if sg.Tags[TagSharedSG] == "1" && sg.Tags[TagEnvironment] == c.opts.Environment {
				return aws.ToString(sg.Id), nil
			}
		}
		if out.NextToken == nil {
			break
		}
		token = out.NextToken
	}

	created, err := c.live.CreateInputSecurityGroup(ctx, &medialive.CreateInputSecurityGroupInput{
		WhitelistRules: []medialivetypes.InputWhitelistRuleCidr{{Cidr: aws.String("0.0.0.0/0")}},
		Tags:           c.baseTags(map[string]string{TagSharedSG: "1"}),
	})
	if err != nil {
		return "", fmt.Errorf("create input security group: %w", err)
	}
	return aws.ToString(created.SecurityGroup.Id), nil
}

func (c *AWSClient) CreateInput(ctx context.Context, name, securityGroupID string, tags map[string]string) (Input, error) {
	out, err := c.live.CreateInput(ctx, &medialive.CreateInputInput{
		Name: aws.String(name),
		Type: medialivetypes.InputTypeRtmpPush,
		Destinations: []medialivetypes.InputDestinationRequest{
			{StreamName: aws.String(name + "-primary")},
			{StreamName: aws.String(name + "-secondary")},
		},
		InputSecurityGroups: []string{securityGroupID},
		Tags:                c.baseTags(tags),
	})
	if err != nil {
		return Input{}, fmt.Errorf("create input: %w", err)
	}
	in := Input{ID: aws.ToString(out.Input.Id)}
	for _, d := range out.Input.Destinations {
		in.Endpoints = append(in.Endpoints, aws.ToString(d.Url))
	}
	return in, nil
}

func (c *AWSClient) DeleteInput(ctx context.Context, id string) error {
	_, err := c.live.DeleteInput(ctx, &medialive.DeleteInputInput{InputId: aws.String(id)})
	if err != nil && !IsMissing(err) {
		return fmt.Errorf("delete input: %w", err)
	}
	return nil
}

func (c *AWSClient) CreateChannel(ctx context.Context, in CreateChannelInput) (Channel, error) {
	settings := make([]medialivetypes.OutputDestinationSettings, 0, len(in.Destinations))
	for _, d := range in.Destinations {
		settings = append(settings, medialivetypes.OutputDestinationSettings{
			Url:           aws.String(d.URL),
			Username:      aws.String(d.Username),
			PasswordParam: aws.String(d.PasswordParam),
		})
	}
	out, err := c.live.CreateChannel(ctx, &medialive.CreateChannelInput{
		Name:         aws.String(in.Name),
		ChannelClass: medialivetypes.ChannelClassStandard,
		RoleArn:      aws.String(c.opts.MediaLiveRole),
		InputAttachments: []medialivetypes.InputAttachment{
			{
				InputId:             aws.String(in.InputID),
				InputAttachmentName: aws.String(in.Name),
			},
		},
		InputSpecification: &medialivetypes.InputSpecification{
			Codec:          medialivetypes.InputCodecAvc,
			MaximumBitrate: medialivetypes.InputMaximumBitrateMax10Mbps,
			Resolution:     medialivetypes.InputResolutionHd,
		},
		Destinations: []medialivetypes.OutputDestination{
			{
				Id:       aws.String(packageDestinationID),
				Settings: settings,
			},
		},
		EncoderSettings: encoderProfile(),
		Tags:            c.baseTags(in.Tags),
	})
	if err != nil {
		return Channel{}, fmt.Errorf("create channel: %w", err)
	}
	return Channel{
		ID:   aws.ToString(out.Channel.Id),
		ARN:  aws.ToString(out.Channel.Arn),
		Name: aws.ToString(out.Channel.Name),
	}, nil
}

func (c *AWSClient) DescribeChannel(ctx context.Context, id string) (ChannelDetail, error) {
	out, err := c.live.DescribeChannel(ctx, &medialive.DescribeChannelInput{ChannelId: aws.String(id)})
	if err != nil {
		if IsMissing(err) {
			return ChannelDetail{}, ErrNotFound
		}
		return ChannelDetail{}, fmt.Errorf("describe channel: %w", err)
	}
	return ChannelDetail{
		ID:    aws.ToString(out.Id),
		ARN:   aws.ToString(out.Arn),
		Name:  aws.ToString(out.Name),
		State: string(out.State),
		Tags:  out.Tags,
	}, nil
}

func (c *AWSClient) ListChannels(ctx context.Context) ([]ChannelDetail, error) {
	var channels []ChannelDetail
	var token *string
	for {
		out, err := c.live.ListChannels(ctx, &medialive.ListChannelsInput{NextToken: token})
		if err != nil {
			return nil, fmt.Errorf("list channels: %w", err)
		}
		for _, ch := range out.Channels {
			if ch.Tags[TagEnvironment] != c.opts.Environment {
				continue
			}
			channels = append(channels, ChannelDetail{
				ID:    aws.ToString(ch.Id),
				ARN:   aws.ToString(ch.Arn),
				Name:  aws.ToString(ch.Name),
				State: string(ch.State),
				Tags:  ch.Tags,
			})
		}
		if out.NextToken == nil {
			return channels, nil
		}
		token = out.NextToken
	}
}

func (c *AWSClient) StartChannel(ctx context.Context, id string) error {
	_, err := c.live.StartChannel(ctx, &medialive.StartChannelInput{ChannelId: aws.String(id)})
	if err != nil {
		return fmt.Errorf("start channel: %w", err)
	}
	return nil
}

func (c *AWSClient) StopChannel(ctx context.Context, id string) error {
	_, err := c.live.StopChannel(ctx, &medialive.StopChannelInput{ChannelId: aws.String(id)})
	if err != nil && !IsMissing(err) {
		return fmt.Errorf("stop channel: %w", err)
	}
	return nil
}

func (c *AWSClient) DeleteChannel(ctx context.Context, id string) error {
	_, err := c.live.DeleteChannel(ctx, &medialive.DeleteChannelInput{ChannelId: aws.String(id)})
	if err != nil && !IsMissing(err) {
		return fmt.Errorf("delete channel: %w", err)
	}
	return nil
}

func (c *AWSClient) StoreIngestSecret(ctx context.Context, name, value string) error {
	_, err := c.ssm.PutParameter(ctx, &ssm.PutParameterInput{
		Name:        aws.String(name),
		Value:       aws.String(value),
		Type:        ssmtypes.ParameterTypeSecureString,
		Description: aws.String("Ingest password managed by " + AppTagValue),
		Overwrite:   aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("store ingest secret: %w", err)
	}
	return nil
}

func (c *AWSClient) CreateHarvestJob(ctx context.Context, in HarvestJobInput) (HarvestJob, error) {
	out, err := c.pkg.CreateHarvestJob(ctx, &mediapackage.CreateHarvestJobInput{
		Id:               aws.String(in.ID),
		OriginEndpointId: aws.String(in.OriginEndpointID),
		StartTime:        aws.String(in.Start.UTC().Format(time.RFC3339)),
		EndTime:          aws.String(in.End.UTC().Format(time.RFC3339)),
		S3Destination: &mediapackagetypes.S3Destination{
			BucketName:  aws.String(c.opts.HarvestBucket),
			ManifestKey: aws.String(in.ManifestKey),
			RoleArn:     aws.String(c.opts.HarvestRole),
		},
	})
	if err != nil {
		return HarvestJob{}, fmt.Errorf("create harvest job: %w", err)
	}
	return HarvestJob{
		ID:               aws.ToString(out.Id),
		Status:           string(out.Status),
		OriginEndpointID: aws.ToString(out.OriginEndpointId),
		ManifestKey:      manifestKeyFromDestination(out.S3Destination),
	}, nil
}

func (c *AWSClient) ListHarvestJobs(ctx context.Context, packageChannelID string) ([]HarvestJob, error) {
	var jobs []HarvestJob
	var token *string
	for {
		out, err := c.pkg.ListHarvestJobs(ctx, &mediapackage.ListHarvestJobsInput{
			IncludeChannelId: aws.String(packageChannelID),
			NextToken:        token,
		})
		if err != nil {
			return nil, fmt.Errorf("list harvest jobs: %w", err)
		}
		for _, j := range out.HarvestJobs {
			jobs = append(jobs, HarvestJob{
				ID:               aws.ToString(j.Id),
				Status:           string(j.Status),
				OriginEndpointID: aws.ToString(j.OriginEndpointId),
				ManifestKey:      manifestKeyFromDestination(j.S3Destination),
			})
		}
		if out.NextToken == nil {
			return jobs, nil
		}
		token = out.NextToken
	}
}

// ListAlertEvents replays encoder alert notifications recorded in the
// channel's log group. The event history is best effort: events may arrive
// out of order or be missing entirely.
func (c *AWSClient) ListAlertEvents(ctx context.Context, logGroup string, since time.Time) ([]AlertEvent, error) {
	var events []AlertEvent
	var token *string
	for {
		out, err := c.logs.FilterLogEvents(ctx, &cloudwatchlogs.FilterLogEventsInput{
			LogGroupName: aws.String(logGroup),
			StartTime:    aws.Int64(since.UnixMilli()),
			NextToken:    token,
		})
		if err != nil {
			if IsMissing(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("filter log events: %w", err)
		}
		for _, ev := range out.Events {
			parsed, ok := parseAlertEvent(aws.ToString(ev.Message), aws.ToInt64(ev.Timestamp))
			if !ok {
				continue
			}
			events = append(events, parsed)
		}
		if out.NextToken == nil {
			return events, nil
		}
		token = out.NextToken
	}
}

func parseAlertEvent(message string, timestampMS int64) (AlertEvent, bool) {
	var payload struct {
		DetailType string `json:"detail-type"`
		Detail     struct {
			AlertType  string `json:"alert_type"`
			AlarmState string `json:"alarm_state"`
			Pipeline   string `json:"pipeline"`
		} `json:"detail"`
	}
	if err := json.Unmarshal([]byte(message), &payload); err != nil {
		return AlertEvent{}, false
	}
	if payload.Detail.AlertType == "" {
		return AlertEvent{}, false
	}
	return AlertEvent{
		At:       time.UnixMilli(timestampMS),
		Pipeline: payload.Detail.Pipeline,
		Type:     payload.Detail.AlertType,
		Set:      strings.EqualFold(payload.Detail.AlarmState, "SET"),
	}, true
}

func packageChannelFromAPI(id *string, ingest *mediapackagetypes.HlsIngest, tags map[string]string) PackageChannel {
	pc := PackageChannel{ID: aws.ToString(id), Tags: tags}
	if ingest == nil {
		return pc
	}
	for _, ep := range ingest.IngestEndpoints {
		pc.Ingest = append(pc.Ingest, IngestEndpoint{
			ID:       aws.ToString(ep.Id),
			URL:      aws.ToString(ep.Url),
			Username: aws.ToString(ep.Username),
			Password: aws.ToString(ep.Password),
		})
	}
	return pc
}

func manifestKeyFromDestination(dst *mediapackagetypes.S3Destination) string {
	if dst == nil {
		return ""
	}
	return aws.ToString(dst.ManifestKey)
}
