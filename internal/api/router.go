package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/classlive/live-control-plane/internal/auth"
	"github.com/classlive/live-control-plane/internal/config"
	"github.com/classlive/live-control-plane/internal/livestate"
	"github.com/classlive/live-control-plane/internal/metrics"
	"github.com/classlive/live-control-plane/internal/model"
	"github.com/classlive/live-control-plane/internal/pairing"
	"github.com/classlive/live-control-plane/internal/realtime"
	"github.com/classlive/live-control-plane/internal/signature"
	"github.com/classlive/live-control-plane/internal/stack"
	"github.com/classlive/live-control-plane/internal/store"
)

// SignatureHeader carries the hex HMAC-SHA256 digest of the exact raw
// request body on every webhook call.
const SignatureHeader = "X-Webhook-Signature"

type Store interface {
	GetVideo(rctx context.Context, id string) (*model.Video, error)
	MutateVideo(rctx context.Context, id string, fn func(*model.Video) error) (*model.Video, error)
	ApplyLiveSignal(rctx context.Context, videoID, requestID string, sig livestate.Signal, meta livestate.Meta, now time.Time) (store.SignalResult, error)
	MarkSliceHarvested(rctx context.Context, videoID, harvestJobID, manifestKey string) (*model.Video, error)
	ReleaseLive(rctx context.Context, videoID string) error
}

type Provisioner interface {
	CreateLiveStack(rctx context.Context, videoID string) (*stack.StackResult, error)
	WaitUntilReady(rctx context.Context, channelID string) error
	TeardownEncoder(rctx context.Context, videoID string, info model.LiveInfo) error
}

// ChannelControl is the slice of the stack client the API needs for the
// instructor start/stop actions.
type ChannelControl interface {
	StartChannel(rctx context.Context, id string) error
	StopChannel(rctx context.Context, id string) error
}

type Harvester interface {
	HarvestSlices(rctx context.Context, v *model.Video) error
}

type PairingBroker interface {
	RequestSecret(rctx context.Context, video *model.Video) (string, error)
	Redeem(rctx context.Context, deviceID, secret string) (string, error)
	IsDevicePaired(rctx context.Context, deviceID string) (bool, error)
}

type Deps struct {
	Store       Store
	Provisioner Provisioner
	Channels    ChannelControl
	Harvester   Harvester
	Pairing     PairingBroker
	Throttle    *pairing.Throttle
	Dispatcher  realtime.Dispatcher
}

type Server struct {
	cfg  config.Config
	deps Deps
}

func NewRouter(cfg config.Config, deps Deps) http.Handler {
	if deps.Dispatcher == nil {
		deps.Dispatcher = realtime.NopDispatcher{}
	}
	s := &Server{cfg: cfg, deps: deps}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Stack provisioning can exceed tens of seconds during channel creation.
	r.Use(middleware.Timeout(3 * time.Minute))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.Group(func(hooks chi.Router) {
			hooks.Use(s.webhookSignature)
			hooks.Patch("/videos/{videoID}/update-live-state", s.handleUpdateLiveState)
			hooks.Post("/videos/{videoID}/transfer-ended", s.handleTransferEnded)
			hooks.Post("/recording-slices-manifest", s.handleSlicesManifest)
			hooks.Post("/recording-slices-state", s.handleSlicesState)
		})

		v1.With(auth.Middleware(cfg.JWTSecret), auth.RequireRole(auth.RoleInstructor, auth.RoleAdministrator)).Group(func(authed chi.Router) {
			authed.Get("/videos/{videoID}/pairing-secret", s.handlePairingSecret)
			authed.Post("/videos/{videoID}/start-live", s.handleStartLive)
			authed.Post("/videos/{videoID}/stop-live", s.handleStopLive)
			authed.Patch("/videos/{videoID}/schedule", s.handleSchedule)
		})

		v1.Post("/pairing-challenge", s.handlePairingChallenge)
	})

	return r
}

// webhookSignature verifies the body digest against the rotating secret list
// before any handler runs, and rewinds the body for the handler. Resolution
// of the target video happens strictly after this check.
func (s *Server) webhookSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_request", "unreadable body")
			return
		}
		if !signature.Verify(body, r.Header.Get(SignatureHeader), s.cfg.WebhookSecrets) {
			writeAPIError(w, http.StatusForbidden, "forbidden", "invalid signature")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
