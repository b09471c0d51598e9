package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/classlive/live-control-plane/internal/harvest"
	"github.com/classlive/live-control-plane/internal/livestate"
	"github.com/classlive/live-control-plane/internal/metrics"
	"github.com/classlive/live-control-plane/internal/model"
	"github.com/classlive/live-control-plane/internal/pairing"
	"github.com/classlive/live-control-plane/internal/stack"
	"github.com/classlive/live-control-plane/internal/store"
)

type updateLiveStateRequest struct {
	State           string `json:"state"`
	RequestID       string `json:"requestId"`
	LogGroupName    string `json:"logGroupName"`
	ExtraParameters struct {
		Resolutions     []int `json:"resolutions"`
		DurationSeconds int   `json:"duration_seconds"`
	} `json:"extraParameters"`
}

type transferEndedRequest struct {
	FileKey string `json:"file_key"`
}

type slicesManifestRequest struct {
	VideoID      string `json:"video_id"`
	HarvestJobID string `json:"harvest_job_id"`
	ManifestKey  string `json:"manifest_key"`
}

type slicesStateRequest struct {
	VideoID string `json:"video_id"`
}

type pairingChallengeRequest struct {
	BoxID  string `json:"box_id"`
	Secret string `json:"secret"`
}

type startLiveRequest struct {
	LiveType string `json:"live_type"`
}

type scheduleRequest struct {
	StartingAt *string `json:"starting_at"`
}

func (s *Server) handleUpdateLiveState(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "videoID")

	var req updateLiveStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	if !model.LiveState(req.State).Valid() {
		signalMetric(req.State, "invalid")
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "unknown live state token")
		return
	}
	if req.RequestID == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "requestId is required")
		return
	}

	meta := livestate.Meta{
		Resolutions:     req.ExtraParameters.Resolutions,
		DurationSeconds: req.ExtraParameters.DurationSeconds,
		LogGroupName:    req.LogGroupName,
	}
	res, err := s.deps.Store.ApplyLiveSignal(r.Context(), videoID, req.RequestID, livestate.Signal(req.State), meta, time.Now().UTC())
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			signalMetric(req.State, "not_found")
			writeAPIError(w, http.StatusNotFound, "not_found", "video not found")
		case errors.Is(err, livestate.ErrInvalidSignal):
			signalMetric(req.State, "invalid")
			writeAPIError(w, http.StatusBadRequest, "invalid_request", "unknown live state token")
		default:
			signalMetric(req.State, "error")
			writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to apply live state")
		}
		return
	}

	v := res.Video
	switch {
	case res.Duplicate:
		signalMetric(req.State, "duplicate")
	case res.Outcome.Applied:
		signalMetric(req.State, "applied")
		if res.Outcome.Effects.NotifyViewers {
			s.notifyViewers(r.Context(), v)
		}
		if res.Outcome.Effects.TeardownStack {
			v = s.finishStop(r.Context(), v)
		}
	default:
		// Valid signal, not applicable to the current state. Success, no
		// mutation, so webhook retry storms stay harmless.
		signalMetric(req.State, "noop")
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"video_id":   v.ID,
		"live_state": string(v.LiveState),
		"started_at": v.LiveInfo.StartedAt,
		"stopped_at": v.LiveInfo.StoppedAt,
	})
}

// finishStop runs the post-commit half of a stop: release the encoder
// resources, enter harvesting optimistically, then submit harvest jobs. A
// missing origin manifest downgrades the whole session to full deletion.
// Failures here are logged, never rolled back; the reconciler and the orphan
// sweep are the backstop.
func (s *Server) finishStop(ctx context.Context, v *model.Video) *model.Video {
	if err := s.deps.Provisioner.TeardownEncoder(ctx, v.ID, v.LiveInfo); err != nil {
		log.Printf("event=encoder_teardown_failed video_id=%s err=%q", v.ID, err.Error())
	}

	curr, err := s.deps.Store.MutateVideo(ctx, v.ID, func(m *model.Video) error {
		m.LiveState = model.LiveStateHarvesting
		m.LiveInfo.Input = nil
		m.LiveInfo.Channel = nil
		return nil
	})
	if err != nil {
		log.Printf("event=enter_harvesting_failed video_id=%s err=%q", v.ID, err.Error())
		return v
	}

	if err := s.deps.Harvester.HarvestSlices(ctx, curr); err != nil {
		if errors.Is(err, harvest.ErrOriginManifestMissing) {
			if relErr := s.deps.Store.ReleaseLive(ctx, curr.ID); relErr != nil {
				log.Printf("event=release_live_failed video_id=%s err=%q", curr.ID, relErr.Error())
				return curr
			}
			log.Printf("event=harvest_fallback_deletion video_id=%s", curr.ID)
			curr.LiveState = model.LiveStateNone
			curr.LiveInfo = model.LiveInfo{}
			curr.UploadState = model.UploadDeleted
			return curr
		}
		log.Printf("event=harvest_failed video_id=%s err=%q", curr.ID, err.Error())
		return curr
	}

	saved, err := s.deps.Store.MutateVideo(ctx, curr.ID, func(m *model.Video) error {
		m.RecordingSlices = curr.RecordingSlices
		return nil
	})
	if err != nil {
		log.Printf("event=persist_harvest_failed video_id=%s err=%q", curr.ID, err.Error())
		return curr
	}
	return saved
}

func (s *Server) handleTransferEnded(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "videoID")

	var req transferEndedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.FileKey == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "file_key is required")
		return
	}
	parts := strings.Split(req.FileKey, "/")
	if len(parts) != 3 || parts[0] != videoID || !stack.ValidStamp(parts[2]) {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "file_key does not match video")
		return
	}

	v, err := s.deps.Store.MutateVideo(r.Context(), videoID, func(m *model.Video) error {
		m.UploadState = model.UploadReady
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "not_found", "video not found")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to record transfer")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"video_id":     v.ID,
		"upload_state": string(v.UploadState),
	})
}

func (s *Server) handleSlicesManifest(w http.ResponseWriter, r *http.Request) {
	var req slicesManifestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VideoID == "" || req.HarvestJobID == "" || req.ManifestKey == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "video_id, harvest_job_id, and manifest_key are required")
		return
	}
	v, err := s.deps.Store.MarkSliceHarvested(r.Context(), req.VideoID, req.HarvestJobID, req.ManifestKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "not_found", "video or harvest job not found")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to record harvested slice")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"video_id": v.ID,
		"status":   string(model.AggregateSliceStatus(v.RecordingSlices)),
	})
}

func (s *Server) handleSlicesState(w http.ResponseWriter, r *http.Request) {
	var req slicesStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VideoID == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "video_id is required")
		return
	}
	v, err := s.deps.Store.GetVideo(r.Context(), req.VideoID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "not_found", "video not found")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to load video")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"video_id": v.ID,
		"status":   string(model.AggregateSliceStatus(v.RecordingSlices)),
		"slices":   v.RecordingSlices,
	})
}

func (s *Server) handlePairingSecret(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "videoID")
	v, err := s.deps.Store.GetVideo(r.Context(), videoID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "not_found", "video not found")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to load video")
		return
	}
	secret, err := s.deps.Pairing.RequestSecret(r.Context(), v)
	if err != nil {
		if errors.Is(err, pairing.ErrNotJitsi) {
			pairingMetric("request", "not_jitsi")
			writeAPIError(w, http.StatusBadRequest, "invalid_request", "video is not a jitsi live session")
			return
		}
		pairingMetric("request", "error")
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to issue pairing secret")
		return
	}
	pairingMetric("request", "ok")
	writeJSON(w, http.StatusOK, map[string]any{"secret": secret})
}

func (s *Server) handlePairingChallenge(w http.ResponseWriter, r *http.Request) {
	var req pairingChallengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.BoxID == "" || req.Secret == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "box_id and secret are required")
		return
	}

	// Known devices throttle against their own bucket so guessing traffic
	// aimed at other device ids never starves a legitimate box.
	known, err := s.deps.Pairing.IsDevicePaired(r.Context(), req.BoxID)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to check device")
		return
	}
	allowed := false
	if known {
		allowed = s.deps.Throttle.AllowKnownDevice(req.BoxID)
	} else {
		allowed = s.deps.Throttle.AllowUnknown(callerIP(r))
	}
	if !allowed {
		pairingMetric("redeem", "throttled")
		writeAPIError(w, http.StatusTooManyRequests, "throttled", "too many pairing attempts")
		return
	}

	joinURL, err := s.deps.Pairing.Redeem(r.Context(), req.BoxID, req.Secret)
	if err != nil {
		switch {
		case errors.Is(err, pairing.ErrNotFound):
			pairingMetric("redeem", "not_found")
			writeAPIError(w, http.StatusNotFound, "not_found", "unknown or expired pairing secret")
		case errors.Is(err, pairing.ErrNotJitsi):
			pairingMetric("redeem", "not_jitsi")
			writeAPIError(w, http.StatusBadRequest, "invalid_request", "video is not a jitsi live session")
		default:
			pairingMetric("redeem", "error")
			writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to redeem pairing secret")
		}
		return
	}
	pairingMetric("redeem", "ok")
	writeJSON(w, http.StatusOK, map[string]any{"jitsi_url": joinURL})
}

func (s *Server) handleStartLive(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "videoID")

	var req startLiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	v, err := s.deps.Store.GetVideo(r.Context(), videoID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "not_found", "video not found")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to load video")
		return
	}
	if v.LiveState != model.LiveStateNone && v.LiveState != model.LiveStateIdle {
		writeAPIError(w, http.StatusConflict, "already_live", "a live session is already active")
		return
	}

	liveType := model.LiveType(req.LiveType)
	if req.LiveType == "" {
		liveType = v.LiveType
	}
	if liveType == "" {
		liveType = model.LiveTypeRaw
	}

	switch liveType {
	case model.LiveTypeJitsi:
		// A jitsi session has no encoder stack; it is live as soon as the
		// room exists.
		v, err = s.deps.Store.MutateVideo(r.Context(), videoID, func(m *model.Video) error {
			m.LiveType = model.LiveTypeJitsi
			m.LiveInfo.Jitsi = &model.JitsiInfo{Domain: s.cfg.JitsiDomain}
			livestate.Force(m, model.LiveStateRunning, time.Now().UTC())
			return nil
		})
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to start jitsi session")
			return
		}
		s.notifyViewers(r.Context(), v)
		writeJSON(w, http.StatusOK, startLiveResponse(v))
		return

	case model.LiveTypeRaw:
		if v.LiveInfo.Channel == nil {
			res, err := s.deps.Provisioner.CreateLiveStack(r.Context(), videoID)
			if err != nil {
				writeAPIError(w, http.StatusBadGateway, "internal_error", "stack provisioning failed")
				return
			}
			if err := s.deps.Provisioner.WaitUntilReady(r.Context(), res.Channel.ID); err != nil {
				// The stack stays as created-but-unconfirmed for manual
				// inspection; the caller must see the timeout.
				if errors.Is(err, stack.ErrProvisioningTimeout) {
					writeAPIError(w, http.StatusGatewayTimeout, "provisioning_timeout", "live stack did not become ready")
					return
				}
				writeAPIError(w, http.StatusBadGateway, "internal_error", "stack provisioning failed")
				return
			}
			v, err = s.deps.Store.MutateVideo(r.Context(), videoID, func(m *model.Video) error {
				m.LiveType = model.LiveTypeRaw
				m.LiveState = model.LiveStateIdle
				m.LiveInfo.Input = &res.Input
				m.LiveInfo.Channel = &res.Channel
				m.LiveInfo.Package = &res.Package
				return nil
			})
			if err != nil {
				writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to persist live stack")
				return
			}
		}
		if err := s.deps.Channels.StartChannel(r.Context(), v.LiveInfo.Channel.ID); err != nil {
			writeAPIError(w, http.StatusBadGateway, "internal_error", "failed to start channel")
			return
		}
		v, err = s.deps.Store.MutateVideo(r.Context(), videoID, func(m *model.Video) error {
			m.LiveState = model.LiveStateStarting
			return nil
		})
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to persist live state")
			return
		}
		writeJSON(w, http.StatusAccepted, startLiveResponse(v))
		return

	default:
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "live_type must be one of raw|jitsi")
		return
	}
}

func startLiveResponse(v *model.Video) map[string]any {
	resp := map[string]any{
		"video_id":   v.ID,
		"live_state": string(v.LiveState),
		"live_type":  string(v.LiveType),
	}
	if v.LiveInfo.Input != nil {
		resp["ingest_endpoints"] = v.LiveInfo.Input.Endpoints
	}
	if v.LiveInfo.Package != nil {
		if ep, ok := v.LiveInfo.Package.Endpoints["hls"]; ok {
			resp["hls_url"] = ep.URL
		}
	}
	return resp
}

func (s *Server) handleStopLive(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "videoID")

	v, err := s.deps.Store.GetVideo(r.Context(), videoID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "not_found", "video not found")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to load video")
		return
	}
	if v.LiveState != model.LiveStateStarting && v.LiveState != model.LiveStateRunning {
		writeAPIError(w, http.StatusConflict, "not_live", "no live session to stop")
		return
	}

	if v.LiveType == model.LiveTypeJitsi {
		v, err = s.deps.Store.MutateVideo(r.Context(), videoID, func(m *model.Video) error {
			livestate.Force(m, model.LiveStateStopped, time.Now().UTC())
			return nil
		})
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to stop jitsi session")
			return
		}
		s.notifyViewers(r.Context(), v)
		writeJSON(w, http.StatusOK, map[string]any{
			"video_id":   v.ID,
			"live_state": string(v.LiveState),
		})
		return
	}

	if v.LiveInfo.Channel != nil {
		if err := s.deps.Channels.StopChannel(r.Context(), v.LiveInfo.Channel.ID); err != nil {
			writeAPIError(w, http.StatusBadGateway, "internal_error", "failed to stop channel")
			return
		}
	}
	v, err = s.deps.Store.MutateVideo(r.Context(), videoID, func(m *model.Video) error {
		m.LiveState = model.LiveStateStopping
		return nil
	})
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to persist live state")
		return
	}
	// The encoder's own stopped webhook completes STOPPING -> STOPPED.
	writeJSON(w, http.StatusAccepted, map[string]any{
		"video_id":   v.ID,
		"live_state": string(v.LiveState),
	})
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	videoID := chi.URLParam(r, "videoID")

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}
	var at *time.Time
	if req.StartingAt != nil {
		t, err := time.Parse(time.RFC3339, *req.StartingAt)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_request", "starting_at must be RFC3339")
			return
		}
		utc := t.UTC()
		at = &utc
	}

	v, err := s.deps.Store.MutateVideo(r.Context(), videoID, func(m *model.Video) error {
		return livestate.Schedule(m, at, time.Now().UTC())
	})
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeAPIError(w, http.StatusNotFound, "not_found", "video not found")
		case errors.Is(err, livestate.ErrStackActive):
			writeAPIError(w, http.StatusConflict, "stack_active", "cannot schedule while a live stack is active")
		case errors.Is(err, livestate.ErrScheduleLocked):
			writeAPIError(w, http.StatusConflict, "schedule_locked", "an elapsed schedule cannot be changed")
		case errors.Is(err, livestate.ErrSchedulePast):
			writeAPIError(w, http.StatusBadRequest, "invalid_request", "starting_at must be in the future")
		default:
			writeAPIError(w, http.StatusInternalServerError, "internal_error", "failed to schedule live session")
		}
		return
	}

	var startingAt any
	if v.StartingAt != nil {
		startingAt = v.StartingAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"video_id":    v.ID,
		"starting_at": startingAt,
	})
}

func (s *Server) notifyViewers(ctx context.Context, v *model.Video) {
	if err := s.deps.Dispatcher.DispatchLiveUpdate(ctx, v); err != nil {
		log.Printf("event=live_update_dispatch_failed video_id=%s err=%q", v.ID, err.Error())
	}
}

func signalMetric(signal, status string) {
	metrics.Default().IncCounter("live_webhook_signals_total", map[string]string{
		"signal": signal,
		"status": status,
	})
}

func pairingMetric(op, status string) {
	metrics.Default().IncCounter("live_pairing_requests_total", map[string]string{
		"op":     op,
		"status": status,
	})
}

func callerIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
