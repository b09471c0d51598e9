package stack

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/classlive/live-control-plane/internal/model"
)

func testProvisioner(client Client) *Provisioner {
	return NewProvisioner(client, ProvisionerOptions{
		Environment:  "dev",
		WaitInterval: time.Millisecond,
		WaitAttempts: 3,
	})
}

func TestCreateLiveStackWiresEveryResource(t *testing.T) {
	fake := NewFakeClient("dev")
	p := testProvisioner(fake)

	res, err := p.CreateLiveStack(context.Background(), "vid_1")
	if err != nil {
		t.Fatalf("CreateLiveStack returned err: %v", err)
	}

	if res.Package.ID != "dev_vid_1" {
		t.Fatalf("unexpected package channel id %q", res.Package.ID)
	}
	ep, ok := res.Package.Endpoints["hls"]
	if !ok || ep.URL == "" {
		t.Fatalf("expected named hls endpoint, got %+v", res.Package.Endpoints)
	}
	if res.Input.ID == "" || len(res.Input.Endpoints) != 2 {
		t.Fatalf("expected input with two ingest endpoints, got %+v", res.Input)
	}
	if res.Channel.ID == "" || res.Channel.ARN == "" {
		t.Fatalf("expected channel identifiers, got %+v", res.Channel)
	}

	// Both package ingest passwords land in the secret store keyed
	// {env}_{username}.
	pc, err := fake.DescribePackageChannel(context.Background(), res.Package.ID)
	if err != nil {
		t.Fatalf("DescribePackageChannel returned err: %v", err)
	}
	for _, ingest := range pc.Ingest {
		secret, ok := fake.IngestSecret("dev_" + ingest.Username)
		if !ok || secret != ingest.Password {
			t.Fatalf("ingest secret for %s not stored", ingest.Username)
		}
	}
	if stamp := pc.Tags[TagStamp]; stamp != res.Stamp || !ValidStamp(stamp) {
		t.Fatalf("expected stamp tag %q on package channel, got %q", res.Stamp, stamp)
	}

	detail, err := fake.DescribeChannel(context.Background(), res.Channel.ID)
	if err != nil {
		t.Fatalf("DescribeChannel returned err: %v", err)
	}
	wantName := ChannelName("dev", "vid_1", res.Stamp)
	if detail.Name != wantName {
		t.Fatalf("expected channel name %q, got %q", wantName, detail.Name)
	}
}

func TestCreateLiveStackReusesSecurityGroup(t *testing.T) {
	fake := NewFakeClient("dev")
	p := testProvisioner(fake)

	if _, err := p.CreateLiveStack(context.Background(), "vid_1"); err != nil {
		t.Fatalf("first CreateLiveStack returned err: %v", err)
	}
	first, _ := fake.EnsureInputSecurityGroup(context.Background())
	if _, err := p.CreateLiveStack(context.Background(), "vid_2"); err != nil {
		t.Fatalf("second CreateLiveStack returned err: %v", err)
	}
	second, _ := fake.EnsureInputSecurityGroup(context.Background())
	if first != second {
		t.Fatalf("expected one shared security group, got %q and %q", first, second)
	}
}

func TestWaitUntilReady(t *testing.T) {
	fake := NewFakeClient("dev")
	p := testProvisioner(fake)
	res, err := p.CreateLiveStack(context.Background(), "vid_1")
	if err != nil {
		t.Fatalf("CreateLiveStack returned err: %v", err)
	}

	// The fake creates channels already idle.
	if err := p.WaitUntilReady(context.Background(), res.Channel.ID); err != nil {
		t.Fatalf("WaitUntilReady returned err: %v", err)
	}

	fake.SetChannelState(res.Channel.ID, channelStateCreating)
	err = p.WaitUntilReady(context.Background(), res.Channel.ID)
	if !errors.Is(err, ErrProvisioningTimeout) {
		t.Fatalf("expected ErrProvisioningTimeout, got %v", err)
	}

	fake.SetChannelState(res.Channel.ID, "CREATE_FAILED")
	err = p.WaitUntilReady(context.Background(), res.Channel.ID)
	if err == nil || errors.Is(err, ErrProvisioningTimeout) {
		t.Fatalf("expected fatal unexpected-state error, got %v", err)
	}
	if !strings.Contains(err.Error(), "CREATE_FAILED") {
		t.Fatalf("expected state in error, got %v", err)
	}
}

func TestTeardownEncoderKeepsPackageChannel(t *testing.T) {
	fake := NewFakeClient("dev")
	p := testProvisioner(fake)
	res, err := p.CreateLiveStack(context.Background(), "vid_1")
	if err != nil {
		t.Fatalf("CreateLiveStack returned err: %v", err)
	}
	info := model.LiveInfo{
		Input:   &res.Input,
		Channel: &res.Channel,
		Package: &res.Package,
	}

	if err := p.TeardownEncoder(context.Background(), "vid_1", info); err != nil {
		t.Fatalf("TeardownEncoder returned err: %v", err)
	}
	if _, err := fake.DescribeChannel(context.Background(), res.Channel.ID); !errors.Is(err, ErrNotFound) {
		t.Fatal("expected channel deleted")
	}
	if _, err := fake.DescribePackageChannel(context.Background(), res.Package.ID); err != nil {
		t.Fatalf("expected package channel kept, got %v", err)
	}

	if err := p.Teardown(context.Background(), "vid_1", info); err != nil {
		t.Fatalf("Teardown returned err: %v", err)
	}
	if _, err := fake.DescribePackageChannel(context.Background(), res.Package.ID); !errors.Is(err, ErrNotFound) {
		t.Fatal("expected package channel deleted on full teardown")
	}
}
