package stack

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound            = errors.New("stack resource not found")
	ErrProvisioningTimeout = errors.New("provisioning timeout")
)

type IngestEndpoint struct {
	ID       string
	URL      string
	Username string
	Password string
}

type PackageChannel struct {
	ID     string
	Ingest []IngestEndpoint
	Tags   map[string]string
}

type OriginEndpoint struct {
	ID        string
	ChannelID string
	URL       string
}

type Input struct {
	ID        string
	Endpoints []string
}

type Channel struct {
	ID   string
	ARN  string
	Name string
}

type ChannelDetail struct {
	ID    string
	ARN   string
	Name  string
	State string
	Tags  map[string]string
}

type IngestDestination struct {
	URL           string
	Username      string
	PasswordParam string
}

type CreateChannelInput struct {
	Name         string
	InputID      string
	Destinations []IngestDestination
	Tags         map[string]string
}

type HarvestJobInput struct {
	ID               string
	OriginEndpointID string
	Start            time.Time
	End              time.Time
	ManifestKey      string
}

type HarvestJob struct {
	ID               string
	Status           string
	OriginEndpointID string
	ManifestKey      string
}

type AlertEvent struct {
	At       time.Time
	Pipeline string
	Type     string
	Set      bool
}

// Client is a thin façade over the external encoding/packaging/input
// provisioning API. Calls block and are not retried internally; callers wrap
// them in Retry where transient failures matter.
type Client interface {
	CreatePackageChannel(ctx context.Context, id string, tags map[string]string) (PackageChannel, error)
	DescribePackageChannel(ctx context.Context, id string) (PackageChannel, error)
	ListPackageChannels(ctx context.Context) ([]PackageChannel, error)
	DeletePackageChannel(ctx context.Context, id string) error
	CreateHLSOriginEndpoint(ctx context.Context, channelID, id string) (OriginEndpoint, error)
	ListOriginEndpoints(ctx context.Context, channelID string) ([]OriginEndpoint, error)
	DeleteOriginEndpoint(ctx context.Context, id string) error

	EnsureInputSecurityGroup(ctx context.Context) (string, error)
	CreateInput(ctx context.Context, name, securityGroupID string, tags map[string]string) (Input, error)
	DeleteInput(ctx context.Context, id string) error

	CreateChannel(ctx context.Context, in CreateChannelInput) (Channel, error)
	DescribeChannel(ctx context.Context, id string) (ChannelDetail, error)
	ListChannels(ctx context.Context) ([]ChannelDetail, error)
	StartChannel(ctx context.Context, id string) error
	StopChannel(ctx context.Context, id string) error
	DeleteChannel(ctx context.Context, id string) error

	StoreIngestSecret(ctx context.Context, name, value string) error

	CreateHarvestJob(ctx context.Context, in HarvestJobInput) (HarvestJob, error)
	ListHarvestJobs(ctx context.Context, packageChannelID string) ([]HarvestJob, error)

	ListAlertEvents(ctx context.Context, logGroup string, since time.Time) ([]AlertEvent, error)
}
