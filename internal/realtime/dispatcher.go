// Package realtime pushes live-state updates to viewers over Redis pub/sub.
// Each video has its own channel; frontends subscribed to it refresh their
// now-playing state on every message.
package realtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/classlive/live-control-plane/internal/model"
)

const channelPrefix = "video:"

type Dispatcher interface {
	DispatchLiveUpdate(ctx context.Context, video *model.Video) error
}

type liveUpdatePayload struct {
	// EventID lets subscribers drop replays after a reconnect.
	EventID   string          `json:"event_id"`
	VideoID   string          `json:"video_id"`
	LiveState model.LiveState `json:"live_state"`
	StartedAt string          `json:"started_at,omitempty"`
	StoppedAt string          `json:"stopped_at,omitempty"`
	At        int64           `json:"at"`
}

type RedisDispatcher struct {
	client *redis.Client
}

func NewRedisDispatcher(client *redis.Client) *RedisDispatcher {
	return &RedisDispatcher{client: client}
}

func (d *RedisDispatcher) DispatchLiveUpdate(ctx context.Context, video *model.Video) error {
	body, err := json.Marshal(liveUpdatePayload{
		EventID:   uuid.NewString(),
		VideoID:   video.ID,
		LiveState: video.LiveState,
		StartedAt: video.LiveInfo.StartedAt,
		StoppedAt: video.LiveInfo.StoppedAt,
		At:        time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	return d.client.Publish(ctx, channelPrefix+video.ID, body).Err()
}

// NopDispatcher drops updates. Used when no Redis endpoint is configured and
// in tests.
type NopDispatcher struct{}

func (NopDispatcher) DispatchLiveUpdate(context.Context, *model.Video) error { return nil }
