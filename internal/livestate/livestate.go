package livestate

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/classlive/live-control-plane/internal/model"
)

var (
	ErrInvalidSignal  = errors.New("invalid live state signal")
	ErrStackActive    = errors.New("live stack is active")
	ErrScheduleLocked = errors.New("elapsed schedule is immutable")
	ErrSchedulePast   = errors.New("schedule must be in the future")
)

// Signal is a live-state token received from the webhook or reconciliation
// surface. Tokens share the wire values of model.LiveState.
type Signal string

// Meta carries optional metadata reported alongside a signal.
type Meta struct {
	Resolutions     []int
	DurationSeconds int
	LogGroupName    string
}

type Effects struct {
	NotifyViewers  bool
	TeardownStack  bool
	AttemptHarvest bool
}

type Outcome struct {
	// Applied is false when the signal was valid but not applicable to the
	// current state. Callers treat that as success without side effects.
	Applied bool
	Next    model.LiveState
	Effects Effects
}

// Apply runs one transition of the live state machine against v, mutating it
// in place. Signals whose transition is not enumerated leave the state
// untouched and report Applied=false.
func Apply(v *model.Video, sig Signal, meta Meta, now time.Time) (Outcome, error) {
	target := model.LiveState(sig)
	if !target.Valid() {
		return Outcome{}, ErrInvalidSignal
	}

	switch target {
	case model.LiveStateRunning:
		switch v.LiveState {
		case model.LiveStateIdle, model.LiveStateStarting:
			markRunning(v, now)
			if meta.LogGroupName != "" {
				v.LiveInfo.Observability = &model.ObservabilityInfo{LogGroupName: meta.LogGroupName}
			}
			return Outcome{Applied: true, Next: v.LiveState, Effects: Effects{NotifyViewers: true}}, nil
		}

	case model.LiveStateStopped:
		switch v.LiveState {
		case model.LiveStateStopping:
			markStopped(v, now)
			return Outcome{
				Applied: true,
				Next:    v.LiveState,
				Effects: Effects{NotifyViewers: true, TeardownStack: true, AttemptHarvest: true},
			}, nil
		case model.LiveStateIdle:
			// An external idle observation after a prior stop is not an error.
			return Outcome{Applied: false, Next: v.LiveState}, nil
		}

	case model.LiveStateHarvested:
		if v.LiveState == model.LiveStateHarvesting {
			markHarvested(v, meta)
			return Outcome{Applied: true, Next: v.LiveState, Effects: Effects{NotifyViewers: true}}, nil
		}
	}

	return Outcome{Applied: false, Next: v.LiveState}, nil
}

// Force overwrites the internal state to mirror an externally observed one,
// applying the side effects the equivalent transition would apply. Used by
// drift reconciliation only; it never touches external resources.
func Force(v *model.Video, target model.LiveState, now time.Time) Effects {
	if v.LiveState == target {
		return Effects{}
	}
	switch target {
	case model.LiveStateRunning:
		markRunning(v, now)
		return Effects{NotifyViewers: true}
	case model.LiveStateStopped:
		markStopped(v, now)
		return Effects{NotifyViewers: true}
	default:
		v.LiveState = target
		return Effects{NotifyViewers: true}
	}
}

// Schedule sets or clears starting_at. Scheduling is only legal while no
// stack is active, and an already-elapsed schedule can no longer be moved.
func Schedule(v *model.Video, at *time.Time, now time.Time) error {
	if v.LiveState != model.LiveStateNone && v.LiveState != model.LiveStateIdle {
		return ErrStackActive
	}
	if v.StartingAt != nil && v.StartingAt.Before(now) {
		return ErrScheduleLocked
	}
	if at != nil && !at.After(now) {
		return ErrSchedulePast
	}
	v.StartingAt = at
	return nil
}

func markRunning(v *model.Video, now time.Time) {
	v.LiveState = model.LiveStateRunning
	v.LiveInfo.StartedAt = strconv.FormatInt(now.Unix(), 10)
	v.LiveInfo.StoppedAt = ""
}

func markStopped(v *model.Video, now time.Time) {
	v.LiveState = model.LiveStateStopped
	v.LiveInfo.StoppedAt = strconv.FormatInt(now.Unix(), 10)
	if start, err := strconv.ParseInt(v.LiveInfo.StartedAt, 10, 64); err == nil {
		appendSlice(v, start, now.Unix())
	}
}

// appendSlice closes the just-finished recorded interval. Slices stay
// chronologically ordered and non-overlapping, so an interval that does not
// extend past the last recorded stop is dropped.
func appendSlice(v *model.Video, start, stop int64) {
	if stop <= start {
		return
	}
	if n := len(v.RecordingSlices); n > 0 {
		last := v.RecordingSlices[n-1]
		if start < last.Stop {
			return
		}
	}
	v.RecordingSlices = append(v.RecordingSlices, model.RecordingSlice{
		Start:  start,
		Stop:   stop,
		Status: model.SlicePending,
	})
}

func markHarvested(v *model.Video, meta Meta) {
	v.LiveState = model.LiveStateHarvested
	v.LiveInfo = model.LiveInfo{
		StartedAt: v.LiveInfo.StartedAt,
		StoppedAt: v.LiveInfo.StoppedAt,
	}
	if len(meta.Resolutions) > 0 {
		v.Resolutions = meta.Resolutions
	}
	if meta.DurationSeconds > 0 {
		v.DurationSeconds = meta.DurationSeconds
	}
	v.UploadState = model.UploadReady
}

// External channel states reported by the encoder service.
const (
	ExternalCreating   = "CREATING"
	ExternalIdle       = "IDLE"
	ExternalStarting   = "STARTING"
	ExternalRunning    = "RUNNING"
	ExternalRecovering = "RECOVERING"
	ExternalStopping   = "STOPPING"
	ExternalUpdating   = "UPDATING"
	ExternalDeleting   = "DELETING"
)

// Compatible reports whether an observed external channel state is consistent
// with the internal live state. Transient external states never count as
// drift, to avoid racing an in-flight operation.
func Compatible(internal model.LiveState, external string) bool {
	switch strings.ToUpper(external) {
	case ExternalCreating, ExternalRecovering, ExternalUpdating, ExternalDeleting:
		return true
	case ExternalIdle:
		return internal == model.LiveStateIdle || internal == model.LiveStateStopped
	case ExternalRunning:
		return internal == model.LiveStateRunning
	case ExternalStarting:
		return internal == model.LiveStateStarting
	case ExternalStopping:
		return internal == model.LiveStateStopping
	default:
		// Unknown external tokens are left alone rather than mirrored.
		return true
	}
}

// MirrorTarget maps an observed external state to the internal state the
// reconciler should force. An external idle channel mirrors to stopped when
// the session had been running, and to idle otherwise.
func MirrorTarget(v *model.Video, external string) (model.LiveState, bool) {
	switch strings.ToUpper(external) {
	case ExternalIdle:
		if v.LiveInfo.StartedAt != "" {
			return model.LiveStateStopped, true
		}
		return model.LiveStateIdle, true
	case ExternalRunning:
		return model.LiveStateRunning, true
	case ExternalStarting:
		return model.LiveStateStarting, true
	case ExternalStopping:
		return model.LiveStateStopping, true
	default:
		return model.LiveStateNone, false
	}
}
