package model

import (
	"time"
)

type LiveState string

const (
	// LiveStateNone is the pseudo-terminal "torn down" state: the video is
	// not live, or its live resources were fully released.
	LiveStateNone       LiveState = ""
	LiveStateIdle       LiveState = "idle"
	LiveStateStarting   LiveState = "starting"
	LiveStateRunning    LiveState = "running"
	LiveStateStopping   LiveState = "stopping"
	LiveStateStopped    LiveState = "stopped"
	LiveStateHarvesting LiveState = "harvesting"
	LiveStateHarvested  LiveState = "harvested"
)

func (s LiveState) Valid() bool {
	switch s {
	case LiveStateIdle, LiveStateStarting, LiveStateRunning, LiveStateStopping,
		LiveStateStopped, LiveStateHarvesting, LiveStateHarvested:
		return true
	default:
		return false
	}
}

type LiveType string

const (
	LiveTypeRaw   LiveType = "raw"
	LiveTypeJitsi LiveType = "jitsi"
)

type UploadState string

const (
	UploadPending UploadState = "pending"
	UploadReady   UploadState = "ready"
	UploadDeleted UploadState = "deleted"
)

// maxRequestIDs bounds the processed-webhook dedup window kept per video.
const maxRequestIDs = 100

type InputInfo struct {
	ID        string   `json:"id"`
	Endpoints []string `json:"endpoints"`
}

type ChannelInfo struct {
	ID  string `json:"id"`
	ARN string `json:"arn"`
}

type PackageEndpoint struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type PackageInfo struct {
	ID        string                     `json:"id"`
	Endpoints map[string]PackageEndpoint `json:"endpoints"`
}

type JitsiInfo struct {
	Domain          string         `json:"domain"`
	ExternalAPIURL  string         `json:"external_api_url"`
	ConfigOverwrite map[string]any `json:"config_overwrite"`
}

type ObservabilityInfo struct {
	LogGroupName string `json:"log_group_name"`
}

// LiveInfo is the structured record persisted alongside a live video. Absent
// sub-records serialize as null so the stored document shape is stable.
// Timestamps are unix seconds kept as strings for stable JSON round-tripping.
type LiveInfo struct {
	Input         *InputInfo         `json:"input"`
	Channel       *ChannelInfo       `json:"channel"`
	Package       *PackageInfo       `json:"package"`
	Jitsi         *JitsiInfo         `json:"jitsi"`
	Observability *ObservabilityInfo `json:"observability"`
	RequestIDs    []string           `json:"request_ids"`
	StartedAt     string             `json:"started_at"`
	StoppedAt     string             `json:"stopped_at"`
}

func (li *LiveInfo) HasRequestID(id string) bool {
	for _, v := range li.RequestIDs {
		if v == id {
			return true
		}
	}
	return false
}

// AppendRequestID records a processed webhook request id, keeping at most the
// most recent maxRequestIDs entries in arrival order.
func (li *LiveInfo) AppendRequestID(id string) {
	li.RequestIDs = append(li.RequestIDs, id)
	if n := len(li.RequestIDs); n > maxRequestIDs {
		li.RequestIDs = li.RequestIDs[n-maxRequestIDs:]
	}
}

func (li LiveInfo) Empty() bool {
	return li.Input == nil && li.Channel == nil && li.Package == nil &&
		li.Jitsi == nil && li.Observability == nil &&
		len(li.RequestIDs) == 0 && li.StartedAt == "" && li.StoppedAt == ""
}

type SliceStatus string

const (
	SlicePending    SliceStatus = "pending"
	SliceProcessing SliceStatus = "processing"
	SliceHarvested  SliceStatus = "harvested"
	SliceFailed     SliceStatus = "failed"
)

// sliceRank orders slice statuses along their legal forward progression.
func sliceRank(s SliceStatus) int {
	switch s {
	case SlicePending:
		return 0
	case SliceProcessing:
		return 1
	case SliceHarvested, SliceFailed:
		return 2
	default:
		return -1
	}
}

// CanAdvanceTo reports whether a slice may move from its current status to
// next. Statuses only move forward, never back.
func (s SliceStatus) CanAdvanceTo(next SliceStatus) bool {
	return sliceRank(next) > sliceRank(s)
}

type RecordingSlice struct {
	Start              int64       `json:"start"`
	Stop               int64       `json:"stop"`
	Status             SliceStatus `json:"status"`
	HarvestJobID       string      `json:"harvest_job_id,omitempty"`
	ManifestKey        string      `json:"manifest_key,omitempty"`
	HarvestedDirectory string      `json:"harvested_directory,omitempty"`
}

// AggregateSliceStatus reduces a slice set to one status: pending while any
// slice is still pending, harvested once every slice made it through, and
// processing otherwise.
func AggregateSliceStatus(slices []RecordingSlice) SliceStatus {
	if len(slices) == 0 {
		return SlicePending
	}
	harvested := true
	for _, s := range slices {
		if s.Status == SlicePending {
			return SlicePending
		}
		if s.Status != SliceHarvested {
			harvested = false
		}
	}
	if harvested {
		return SliceHarvested
	}
	return SliceProcessing
}

type Video struct {
	ID              string
	UploadState     UploadState
	LiveState       LiveState
	LiveType        LiveType
	LiveInfo        LiveInfo
	RecordingSlices []RecordingSlice
	StartingAt      *time.Time
	Resolutions     []int
	DurationSeconds int
	UpdatedAt       time.Time
}

type PairingSecret struct {
	Secret    string
	VideoID   string
	CreatedOn time.Time
}

type PairedDevice struct {
	ID string
}
