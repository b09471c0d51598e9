package stack

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeClient is an in-memory stand-in for the external provisioning API,
// used in dev mode and in tests.
type FakeClient struct {
	mu sync.Mutex

	env             string
	securityGroupID string
	nextID          int

	packageChannels map[string]PackageChannel
	originEndpoints map[string]OriginEndpoint
	inputs          map[string]Input
	channels        map[string]ChannelDetail
	secrets         map[string]string
	harvestJobs     map[string][]HarvestJob
	alertEvents     map[string][]AlertEvent
}

func NewFakeClient(env string) *FakeClient {
	return &FakeClient{
		env:             env,
		packageChannels: make(map[string]PackageChannel),
		originEndpoints: make(map[string]OriginEndpoint),
		inputs:          make(map[string]Input),
		channels:        make(map[string]ChannelDetail),
		secrets:         make(map[string]string),
		harvestJobs:     make(map[string][]HarvestJob),
		alertEvents:     make(map[string][]AlertEvent),
	}
}

func (f *FakeClient) newID(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%06d", prefix, f.nextID)
}

func (f *FakeClient) CreatePackageChannel(_ context.Context, id string, tags map[string]string) (PackageChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	merged := map[string]string{TagApp: AppTagValue, TagEnvironment: f.env}
	for k, v := range tags {
		merged[k] = v
	}
	pc := PackageChannel{
		ID: id,
		Ingest: []IngestEndpoint{
			{ID: id + "-in1", URL: "https://package.fake/in/" + id + "/1", Username: id + "-u1", Password: "pw1-" + id},
			{ID: id + "-in2", URL: "https://package.fake/in/" + id + "/2", Username: id + "-u2", Password: "pw2-" + id},
		},
		Tags: merged,
	}
	f.packageChannels[id] = pc
	return pc, nil
}

func (f *FakeClient) DescribePackageChannel(_ context.Context, id string) (PackageChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc, ok := f.packageChannels[id]
	if !ok {
		return PackageChannel{}, ErrNotFound
	}
	return pc, nil
}

func (f *FakeClient) ListPackageChannels(_ context.Context) ([]PackageChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PackageChannel, 0, len(f.packageChannels))
	for _, pc := range f.packageChannels {
		out = append(out, pc)
	}
	return out, nil
}

func (f *FakeClient) DeletePackageChannel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.packageChannels, id)
	return nil
}

func (f *FakeClient) CreateHLSOriginEndpoint(_ context.Context, channelID, id string) (OriginEndpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.packageChannels[channelID]; !ok {
		return OriginEndpoint{}, ErrNotFound
	}
	ep := OriginEndpoint{
		ID:        id,
		ChannelID: channelID,
		URL:       "https://package.fake/out/" + id + "/index.m3u8",
	}
	f.originEndpoints[id] = ep
	return ep, nil
}

func (f *FakeClient) ListOriginEndpoints(_ context.Context, channelID string) ([]OriginEndpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []OriginEndpoint
	for _, ep := range f.originEndpoints {
		if ep.ChannelID == channelID {
			out = append(out, ep)
		}
	}
	return out, nil
}

func (f *FakeClient) DeleteOriginEndpoint(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.originEndpoints, id)
	return nil
}

func (f *FakeClient) EnsureInputSecurityGroup(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.securityGroupID == "" {
		f.securityGroupID = f.newID("sg")
	}
	return f.securityGroupID, nil
}

func (f *FakeClient) CreateInput(_ context.Context, name, securityGroupID string, _ map[string]string) (Input, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if securityGroupID != f.securityGroupID {
		return Input{}, fmt.Errorf("unknown security group %s", securityGroupID)
	}
	in := Input{
		ID: f.newID("input"),
		Endpoints: []string{
			"rtmp://ingest.fake/" + name + "-primary",
			"rtmp://ingest.fake/" + name + "-secondary",
		},
	}
	f.inputs[in.ID] = in
	return in, nil
}

func (f *FakeClient) DeleteInput(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inputs, id)
	return nil
}

func (f *FakeClient) CreateChannel(_ context.Context, in CreateChannelInput) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.newID("ch")
	detail := ChannelDetail{
		ID:    id,
		ARN:   "arn:fake:medialive:channel/" + id,
		Name:  in.Name,
		State: channelStateIdle,
		Tags:  map[string]string{TagApp: AppTagValue, TagEnvironment: f.env},
	}
	for k, v := range in.Tags {
		detail.Tags[k] = v
	}
	f.channels[id] = detail
	return Channel{ID: detail.ID, ARN: detail.ARN, Name: detail.Name}, nil
}

func (f *FakeClient) DescribeChannel(_ context.Context, id string) (ChannelDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		return ChannelDetail{}, ErrNotFound
	}
	return ch, nil
}

func (f *FakeClient) ListChannels(_ context.Context) ([]ChannelDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ChannelDetail, 0, len(f.channels))
	for _, ch := range f.channels {
		out = append(out, ch)
	}
	return out, nil
}

// SetChannelState lets tests model externally observed channel drift.
func (f *FakeClient) SetChannelState(id, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.channels[id]; ok {
		ch.State = state
		f.channels[id] = ch
	}
}

func (f *FakeClient) StartChannel(_ context.Context, id string) error {
	return f.transitionChannel(id, "RUNNING")
}

func (f *FakeClient) StopChannel(_ context.Context, id string) error {
	return f.transitionChannel(id, channelStateIdle)
}

func (f *FakeClient) transitionChannel(id, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		return ErrNotFound
	}
	ch.State = state
	f.channels[id] = ch
	return nil
}

func (f *FakeClient) DeleteChannel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, id)
	return nil
}

func (f *FakeClient) StoreIngestSecret(_ context.Context, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets[name] = value
	return nil
}

// IngestSecret exposes stored secrets to tests.
func (f *FakeClient) IngestSecret(name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.secrets[name]
	return v, ok
}

func (f *FakeClient) CreateHarvestJob(_ context.Context, in HarvestJobInput) (HarvestJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ep, ok := f.originEndpoints[in.OriginEndpointID]
	if !ok {
		return HarvestJob{}, ErrNotFound
	}
	job := HarvestJob{
		ID:               in.ID,
		Status:           "IN_PROGRESS",
		OriginEndpointID: in.OriginEndpointID,
		ManifestKey:      in.ManifestKey,
	}
	f.harvestJobs[ep.ChannelID] = append(f.harvestJobs[ep.ChannelID], job)
	return job, nil
}

func (f *FakeClient) ListHarvestJobs(_ context.Context, packageChannelID string) ([]HarvestJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]HarvestJob(nil), f.harvestJobs[packageChannelID]...), nil
}

// AddAlertEvent seeds the alert history replayed by ListAlertEvents.
func (f *FakeClient) AddAlertEvent(logGroup string, ev AlertEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alertEvents[logGroup] = append(f.alertEvents[logGroup], ev)
}

func (f *FakeClient) ListAlertEvents(_ context.Context, logGroup string, since time.Time) ([]AlertEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []AlertEvent
	for _, ev := range f.alertEvents[logGroup] {
		if ev.At.Before(since) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
