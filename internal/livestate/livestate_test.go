package livestate

import (
	"errors"
	"testing"
	"time"

	"github.com/classlive/live-control-plane/internal/model"
)

func TestApplyRunningFromIdleStampsStartedAt(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	v := &model.Video{ID: "vid_1", LiveState: model.LiveStateIdle}
	v.LiveInfo.StoppedAt = "1699990000"

	out, err := Apply(v, Signal(model.LiveStateRunning), Meta{LogGroupName: "lg_1"}, now)
	if err != nil {
		t.Fatalf("Apply returned err: %v", err)
	}
	if !out.Applied || out.Next != model.LiveStateRunning {
		t.Fatalf("expected applied running, got %+v", out)
	}
	if v.LiveInfo.StartedAt != "1700000000" {
		t.Fatalf("expected started_at stamped, got %q", v.LiveInfo.StartedAt)
	}
	if v.LiveInfo.StoppedAt != "" {
		t.Fatalf("expected stopped_at cleared, got %q", v.LiveInfo.StoppedAt)
	}
	if v.LiveInfo.Observability == nil || v.LiveInfo.Observability.LogGroupName != "lg_1" {
		t.Fatalf("expected log group recorded, got %+v", v.LiveInfo.Observability)
	}
	if !out.Effects.NotifyViewers {
		t.Fatal("expected viewer notification effect")
	}
}

func TestApplyStoppedFromStoppingAppendsSlice(t *testing.T) {
	start := time.Unix(1700000000, 0).UTC()
	stop := start.Add(30 * time.Minute)
	v := &model.Video{ID: "vid_1", LiveState: model.LiveStateStopping}
	v.LiveInfo.StartedAt = "1700000000"

	out, err := Apply(v, Signal(model.LiveStateStopped), Meta{}, stop)
	if err != nil {
		t.Fatalf("Apply returned err: %v", err)
	}
	if !out.Applied || v.LiveState != model.LiveStateStopped {
		t.Fatalf("expected stopped, got %+v", out)
	}
	if !out.Effects.TeardownStack || !out.Effects.AttemptHarvest || !out.Effects.NotifyViewers {
		t.Fatalf("expected full stop effects, got %+v", out.Effects)
	}
	if len(v.RecordingSlices) != 1 {
		t.Fatalf("expected one recording slice, got %d", len(v.RecordingSlices))
	}
	s := v.RecordingSlices[0]
	if s.Start != start.Unix() || s.Stop != stop.Unix() || s.Status != model.SlicePending {
		t.Fatalf("unexpected slice %+v", s)
	}
}

func TestApplyStoppedWhileIdleIsNoop(t *testing.T) {
	v := &model.Video{ID: "vid_1", LiveState: model.LiveStateIdle}
	out, err := Apply(v, Signal(model.LiveStateStopped), Meta{}, time.Now())
	if err != nil {
		t.Fatalf("Apply returned err: %v", err)
	}
	if out.Applied || v.LiveState != model.LiveStateIdle {
		t.Fatalf("expected idle no-op, got applied=%v state=%s", out.Applied, v.LiveState)
	}
}

func TestApplyStoppedWhileRunningIsNoop(t *testing.T) {
	// A direct stop must pass through STOPPING via the explicit stop action;
	// the raw signal does not shortcut it.
	v := &model.Video{ID: "vid_1", LiveState: model.LiveStateRunning}
	v.LiveInfo.StartedAt = "1700000000"
	out, err := Apply(v, Signal(model.LiveStateStopped), Meta{}, time.Now())
	if err != nil {
		t.Fatalf("Apply returned err: %v", err)
	}
	if out.Applied || v.LiveState != model.LiveStateRunning {
		t.Fatalf("expected running untouched, got applied=%v state=%s", out.Applied, v.LiveState)
	}
	if len(v.RecordingSlices) != 0 {
		t.Fatalf("expected no slice, got %d", len(v.RecordingSlices))
	}
}

func TestApplyHarvestedTrimsLiveInfo(t *testing.T) {
	v := &model.Video{ID: "vid_1", LiveState: model.LiveStateHarvesting}
	v.LiveInfo = model.LiveInfo{
		Package:    &model.PackageInfo{ID: "dev_vid_1"},
		RequestIDs: []string{"r1", "r2"},
		StartedAt:  "1700000000",
		StoppedAt:  "1700001800",
	}

	out, err := Apply(v, Signal(model.LiveStateHarvested), Meta{Resolutions: []int{720, 480}, DurationSeconds: 1800}, time.Now())
	if err != nil {
		t.Fatalf("Apply returned err: %v", err)
	}
	if !out.Applied || v.LiveState != model.LiveStateHarvested {
		t.Fatalf("expected harvested, got %+v", out)
	}
	if v.LiveInfo.Package != nil || len(v.LiveInfo.RequestIDs) != 0 {
		t.Fatalf("expected live_info trimmed, got %+v", v.LiveInfo)
	}
	if v.LiveInfo.StartedAt != "1700000000" || v.LiveInfo.StoppedAt != "1700001800" {
		t.Fatalf("expected timestamps kept, got %+v", v.LiveInfo)
	}
	if len(v.Resolutions) != 2 || v.DurationSeconds != 1800 {
		t.Fatalf("expected metadata attached, got res=%v dur=%d", v.Resolutions, v.DurationSeconds)
	}
	if v.UploadState != model.UploadReady {
		t.Fatalf("expected upload ready, got %s", v.UploadState)
	}
}

func TestApplyInvalidSignalRejectedWithoutMutation(t *testing.T) {
	v := &model.Video{ID: "vid_1", LiveState: model.LiveStateIdle}
	_, err := Apply(v, Signal("exploded"), Meta{}, time.Now())
	if !errors.Is(err, ErrInvalidSignal) {
		t.Fatalf("expected ErrInvalidSignal, got %v", err)
	}
	if v.LiveState != model.LiveStateIdle {
		t.Fatalf("state mutated on invalid signal: %s", v.LiveState)
	}
}

// Every (state, signal) pair not explicitly enumerated must leave the state
// untouched.
func TestApplyUnlistedPairsLeaveStateUnchanged(t *testing.T) {
	states := []model.LiveState{
		model.LiveStateNone, model.LiveStateIdle, model.LiveStateStarting,
		model.LiveStateRunning, model.LiveStateStopping, model.LiveStateStopped,
		model.LiveStateHarvesting, model.LiveStateHarvested,
	}
	signals := []model.LiveState{
		model.LiveStateIdle, model.LiveStateStarting, model.LiveStateRunning,
		model.LiveStateStopping, model.LiveStateStopped,
		model.LiveStateHarvesting, model.LiveStateHarvested,
	}
	applied := map[[2]model.LiveState]bool{
		{model.LiveStateIdle, model.LiveStateRunning}:        true,
		{model.LiveStateStarting, model.LiveStateRunning}:    true,
		{model.LiveStateStopping, model.LiveStateStopped}:    true,
		{model.LiveStateHarvesting, model.LiveStateHarvested}: true,
	}

	for _, state := range states {
		for _, sig := range signals {
			if applied[[2]model.LiveState{state, sig}] {
				continue
			}
			v := &model.Video{ID: "vid_1", LiveState: state}
			out, err := Apply(v, Signal(sig), Meta{}, time.Now())
			if err != nil {
				t.Fatalf("state=%s signal=%s: unexpected err %v", state, sig, err)
			}
			if out.Applied {
				t.Fatalf("state=%s signal=%s: unexpectedly applied", state, sig)
			}
			if v.LiveState != state {
				t.Fatalf("state=%s signal=%s: state moved to %s", state, sig, v.LiveState)
			}
		}
	}
}

func TestScheduleGuards(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	v := &model.Video{ID: "vid_1", LiveState: model.LiveStateRunning}
	if err := Schedule(v, &future, now); !errors.Is(err, ErrStackActive) {
		t.Fatalf("expected ErrStackActive, got %v", err)
	}

	v = &model.Video{ID: "vid_1", LiveState: model.LiveStateIdle, StartingAt: &past}
	if err := Schedule(v, &future, now); !errors.Is(err, ErrScheduleLocked) {
		t.Fatalf("expected ErrScheduleLocked, got %v", err)
	}

	v = &model.Video{ID: "vid_1", LiveState: model.LiveStateIdle}
	if err := Schedule(v, &past, now); !errors.Is(err, ErrSchedulePast) {
		t.Fatalf("expected ErrSchedulePast, got %v", err)
	}

	if err := Schedule(v, &future, now); err != nil {
		t.Fatalf("Schedule returned err: %v", err)
	}
	if v.StartingAt == nil || !v.StartingAt.Equal(future) {
		t.Fatalf("expected starting_at set, got %v", v.StartingAt)
	}
	if err := Schedule(v, nil, now); err != nil {
		t.Fatalf("clearing schedule returned err: %v", err)
	}
	if v.StartingAt != nil {
		t.Fatalf("expected starting_at cleared, got %v", v.StartingAt)
	}
}

func TestCompatibleTable(t *testing.T) {
	cases := []struct {
		internal model.LiveState
		external string
		want     bool
	}{
		{model.LiveStateIdle, ExternalIdle, true},
		{model.LiveStateStopped, ExternalIdle, true},
		{model.LiveStateRunning, ExternalIdle, false},
		{model.LiveStateRunning, ExternalRunning, true},
		{model.LiveStateIdle, ExternalRunning, false},
		{model.LiveStateStarting, ExternalStarting, true},
		{model.LiveStateStopping, ExternalStopping, true},
		{model.LiveStateHarvesting, ExternalCreating, true},
		{model.LiveStateNone, ExternalRecovering, true},
		{model.LiveStateIdle, ExternalUpdating, true},
		{model.LiveStateRunning, ExternalDeleting, true},
		{model.LiveStateIdle, "SOMETHING_NEW", true},
	}
	for _, tc := range cases {
		if got := Compatible(tc.internal, tc.external); got != tc.want {
			t.Errorf("Compatible(%s, %s) = %v, want %v", tc.internal, tc.external, got, tc.want)
		}
	}
}

func TestMirrorTargetIdleDependsOnStartedAt(t *testing.T) {
	v := &model.Video{LiveState: model.LiveStateRunning}
	v.LiveInfo.StartedAt = "1700000000"
	target, ok := MirrorTarget(v, ExternalIdle)
	if !ok || target != model.LiveStateStopped {
		t.Fatalf("expected stopped for started session, got %s ok=%v", target, ok)
	}

	v = &model.Video{LiveState: model.LiveStateRunning}
	target, ok = MirrorTarget(v, ExternalIdle)
	if !ok || target != model.LiveStateIdle {
		t.Fatalf("expected idle for never-started session, got %s ok=%v", target, ok)
	}

	if _, ok := MirrorTarget(v, "SOMETHING_NEW"); ok {
		t.Fatal("unknown external state must not produce a mirror target")
	}
}

func TestForceRunningStampsStartedAt(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	v := &model.Video{ID: "vid_1", LiveState: model.LiveStateIdle}
	effects := Force(v, model.LiveStateRunning, now)
	if v.LiveState != model.LiveStateRunning || v.LiveInfo.StartedAt != "1700000000" {
		t.Fatalf("expected forced running with started_at, got %s %q", v.LiveState, v.LiveInfo.StartedAt)
	}
	if !effects.NotifyViewers {
		t.Fatal("expected notify effect on forced transition")
	}
	if effects = Force(v, model.LiveStateRunning, now); effects.NotifyViewers {
		t.Fatal("forcing the current state must be a no-op")
	}
}
