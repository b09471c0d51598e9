package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/classlive/live-control-plane/internal/livestate"
	"github.com/classlive/live-control-plane/internal/model"
	"github.com/classlive/live-control-plane/internal/stack"
	"github.com/classlive/live-control-plane/internal/store"
)

type mockStore struct {
	getFn     func(ctx context.Context, id string) (*model.Video, error)
	forceFn   func(ctx context.Context, videoID string, target model.LiveState, now time.Time) (*model.Video, livestate.Effects, error)
	releaseFn func(ctx context.Context, videoID string) error
	listRemFn func(ctx context.Context, cutoff time.Time) ([]model.Video, error)
	markRemFn func(ctx context.Context, videoID string) error
}

func (m *mockStore) GetVideo(ctx context.Context, id string) (*model.Video, error) {
	return m.getFn(ctx, id)
}

func (m *mockStore) ForceLiveState(ctx context.Context, videoID string, target model.LiveState, now time.Time) (*model.Video, livestate.Effects, error) {
	return m.forceFn(ctx, videoID, target, now)
}

func (m *mockStore) ReleaseLive(ctx context.Context, videoID string) error {
	if m.releaseFn == nil {
		return nil
	}
	return m.releaseFn(ctx, videoID)
}

func (m *mockStore) ListDeletionReminderCandidates(ctx context.Context, cutoff time.Time) ([]model.Video, error) {
	if m.listRemFn == nil {
		return nil, nil
	}
	return m.listRemFn(ctx, cutoff)
}

func (m *mockStore) MarkReminderSent(ctx context.Context, videoID string) error {
	if m.markRemFn == nil {
		return nil
	}
	return m.markRemFn(ctx, videoID)
}

type teardownCall struct {
	videoID string
	info    model.LiveInfo
}

type mockProvisioner struct {
	calls []teardownCall
	err   error
}

func (m *mockProvisioner) Teardown(_ context.Context, videoID string, info model.LiveInfo) error {
	m.calls = append(m.calls, teardownCall{videoID: videoID, info: info})
	return m.err
}

type mockMailer struct {
	sent []string
	err  error
}

func (m *mockMailer) SendConversionReminder(_ context.Context, v *model.Video) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, v.ID)
	return nil
}

func seedChannel(t *testing.T, fake *stack.FakeClient, videoID, state string) string {
	t.Helper()
	ch, err := fake.CreateChannel(context.Background(), stack.CreateChannelInput{
		Name: stack.ChannelName("test", videoID, "1700000000"),
	})
	if err != nil {
		t.Fatalf("seed channel: %v", err)
	}
	fake.SetChannelState(ch.ID, state)
	return ch.ID
}

func TestReconcileDriftForcesMirrorState(t *testing.T) {
	fake := stack.NewFakeClient("test")
	seedChannel(t, fake, "vid_1", livestate.ExternalRunning)

	var forced model.LiveState
	ms := &mockStore{
		getFn: func(_ context.Context, id string) (*model.Video, error) {
			return &model.Video{ID: id, LiveState: model.LiveStateIdle}, nil
		},
		forceFn: func(_ context.Context, videoID string, target model.LiveState, now time.Time) (*model.Video, livestate.Effects, error) {
			forced = target
			return &model.Video{ID: videoID, LiveState: target}, livestate.Effects{NotifyViewers: true}, nil
		},
	}
	r := NewRunner(ms, fake, &mockProvisioner{}, nil, nil, Options{Environment: "test"})

	if err := r.reconcileDrift(context.Background()); err != nil {
		t.Fatalf("reconcileDrift returned err: %v", err)
	}
	if forced != model.LiveStateRunning {
		t.Fatalf("expected forced running, got %q", forced)
	}
}

func TestReconcileDriftSkipsCompatibleState(t *testing.T) {
	fake := stack.NewFakeClient("test")
	seedChannel(t, fake, "vid_1", livestate.ExternalIdle)

	ms := &mockStore{
		getFn: func(_ context.Context, id string) (*model.Video, error) {
			return &model.Video{ID: id, LiveState: model.LiveStateIdle}, nil
		},
		forceFn: func(context.Context, string, model.LiveState, time.Time) (*model.Video, livestate.Effects, error) {
			t.Fatal("compatible states must not be forced")
			return nil, livestate.Effects{}, nil
		},
	}
	r := NewRunner(ms, fake, &mockProvisioner{}, nil, nil, Options{Environment: "test"})

	if err := r.reconcileDrift(context.Background()); err != nil {
		t.Fatalf("reconcileDrift returned err: %v", err)
	}
}

func TestReconcileDriftIgnoresForeignChannels(t *testing.T) {
	fake := stack.NewFakeClient("test")
	ch, err := fake.CreateChannel(context.Background(), stack.CreateChannelInput{
		Name: stack.ChannelName("production", "vid_1", "1700000000"),
	})
	if err != nil {
		t.Fatalf("seed channel: %v", err)
	}
	fake.SetChannelState(ch.ID, livestate.ExternalRunning)

	ms := &mockStore{
		getFn: func(context.Context, string) (*model.Video, error) {
			t.Fatal("channels from other environments must not be resolved")
			return nil, nil
		},
	}
	r := NewRunner(ms, fake, &mockProvisioner{}, nil, nil, Options{Environment: "test"})

	if err := r.reconcileDrift(context.Background()); err != nil {
		t.Fatalf("reconcileDrift returned err: %v", err)
	}
}

func TestReapIdleChannelsRespectsRetention(t *testing.T) {
	fake := stack.NewFakeClient("test")
	seedChannel(t, fake, "vid_old", livestate.ExternalIdle)

	released := ""
	prov := &mockProvisioner{}
	ms := &mockStore{
		getFn: func(_ context.Context, id string) (*model.Video, error) {
			v := &model.Video{ID: id, LiveState: model.LiveStateIdle}
			if id == "vid_old" {
				v.UpdatedAt = time.Now().UTC().Add(-8 * 24 * time.Hour)
			} else {
				v.UpdatedAt = time.Now().UTC()
			}
			return v, nil
		},
		releaseFn: func(_ context.Context, videoID string) error {
			released = videoID
			return nil
		},
	}
	r := NewRunner(ms, fake, prov, nil, nil, Options{Environment: "test", IdleRetention: 7 * 24 * time.Hour})

	if err := r.reapIdleChannels(context.Background()); err != nil {
		t.Fatalf("reapIdleChannels returned err: %v", err)
	}
	if len(prov.calls) != 1 || prov.calls[0].videoID != "vid_old" {
		t.Fatalf("expected one teardown of vid_old, got %+v", prov.calls)
	}
	if released != "vid_old" {
		t.Fatalf("expected vid_old released, got %q", released)
	}
}

func TestReapIdleChannelsSkipsFreshVideos(t *testing.T) {
	fake := stack.NewFakeClient("test")
	seedChannel(t, fake, "vid_fresh", livestate.ExternalIdle)

	prov := &mockProvisioner{}
	ms := &mockStore{
		getFn: func(_ context.Context, id string) (*model.Video, error) {
			return &model.Video{ID: id, UpdatedAt: time.Now().UTC()}, nil
		},
	}
	r := NewRunner(ms, fake, prov, nil, nil, Options{Environment: "test", IdleRetention: 7 * 24 * time.Hour})

	if err := r.reapIdleChannels(context.Background()); err != nil {
		t.Fatalf("reapIdleChannels returned err: %v", err)
	}
	if len(prov.calls) != 0 {
		t.Fatalf("fresh videos must not be reaped, got %+v", prov.calls)
	}
}

func TestReapIdleChannelsReleasesDanglingChannel(t *testing.T) {
	fake := stack.NewFakeClient("test")
	chID := seedChannel(t, fake, "vid_gone", livestate.ExternalIdle)

	prov := &mockProvisioner{}
	ms := &mockStore{
		getFn: func(context.Context, string) (*model.Video, error) {
			return nil, store.ErrNotFound
		},
		releaseFn: func(context.Context, string) error {
			t.Fatal("a dangling channel has no video row to release")
			return nil
		},
	}
	r := NewRunner(ms, fake, prov, nil, nil, Options{Environment: "test"})

	if err := r.reapIdleChannels(context.Background()); err != nil {
		t.Fatalf("reapIdleChannels returned err: %v", err)
	}
	if len(prov.calls) != 1 {
		t.Fatalf("expected one teardown, got %+v", prov.calls)
	}
	info := prov.calls[0].info
	if info.Channel == nil || info.Channel.ID != chID || info.Input != nil || info.Package != nil {
		t.Fatalf("dangling teardown must target the channel only, got %+v", info)
	}
}

func TestSweepOrphanPackages(t *testing.T) {
	ctx := context.Background()
	fake := stack.NewFakeClient("test")

	// vid_owned still has an encoder channel; its package must survive.
	seedChannel(t, fake, "vid_owned", livestate.ExternalIdle)
	if _, err := fake.CreatePackageChannel(ctx, stack.PackageChannelID("test", "vid_owned"), nil); err != nil {
		t.Fatalf("seed package: %v", err)
	}

	// vid_busy has no channel but a harvest job still in flight.
	busyPkg := stack.PackageChannelID("test", "vid_busy")
	if _, err := fake.CreatePackageChannel(ctx, busyPkg, nil); err != nil {
		t.Fatalf("seed package: %v", err)
	}
	if _, err := fake.CreateHLSOriginEndpoint(ctx, busyPkg, busyPkg+"-hls"); err != nil {
		t.Fatalf("seed endpoint: %v", err)
	}
	if _, err := fake.CreateHarvestJob(ctx, stack.HarvestJobInput{
		ID:               "vid_busy_1700000000_1",
		OriginEndpointID: busyPkg + "-hls",
	}); err != nil {
		t.Fatalf("seed harvest job: %v", err)
	}

	// vid_done has neither a channel nor a live harvest job.
	donePkg := stack.PackageChannelID("test", "vid_done")
	if _, err := fake.CreatePackageChannel(ctx, donePkg, nil); err != nil {
		t.Fatalf("seed package: %v", err)
	}
	if _, err := fake.CreateHLSOriginEndpoint(ctx, donePkg, donePkg+"-hls"); err != nil {
		t.Fatalf("seed endpoint: %v", err)
	}

	prov := &mockProvisioner{}
	r := NewRunner(&mockStore{}, fake, prov, nil, nil, Options{Environment: "test"})

	if err := r.sweepOrphanPackages(ctx); err != nil {
		t.Fatalf("sweepOrphanPackages returned err: %v", err)
	}
	if len(prov.calls) != 1 {
		t.Fatalf("expected exactly one sweep, got %+v", prov.calls)
	}
	call := prov.calls[0]
	if call.videoID != "vid_done" || call.info.Package == nil || call.info.Package.ID != donePkg {
		t.Fatalf("expected vid_done package swept, got %+v", call)
	}
	if len(call.info.Package.Endpoints) != 1 {
		t.Fatalf("expected origin endpoints carried into teardown, got %+v", call.info.Package.Endpoints)
	}
}

func TestSendDeletionReminders(t *testing.T) {
	marked := []string{}
	ms := &mockStore{
		listRemFn: func(_ context.Context, cutoff time.Time) ([]model.Video, error) {
			return []model.Video{{ID: "vid_1"}, {ID: "vid_2"}}, nil
		},
		markRemFn: func(_ context.Context, videoID string) error {
			marked = append(marked, videoID)
			return nil
		},
	}
	mailer := &mockMailer{}
	r := NewRunner(ms, stack.NewFakeClient("test"), &mockProvisioner{}, nil, mailer, Options{Environment: "test"})

	if err := r.sendDeletionReminders(context.Background()); err != nil {
		t.Fatalf("sendDeletionReminders returned err: %v", err)
	}
	if len(mailer.sent) != 2 {
		t.Fatalf("expected two reminders, got %v", mailer.sent)
	}
	if len(marked) != 2 || marked[0] != "vid_1" || marked[1] != "vid_2" {
		t.Fatalf("expected both videos marked, got %v", marked)
	}
}
