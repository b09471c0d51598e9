// Package pairing issues, expires, and redeems the short-lived numeric
// secrets that bind a physical device to a pending live session.
package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/classlive/live-control-plane/internal/model"
	"github.com/classlive/live-control-plane/internal/store"
)

var (
	ErrNotFound = errors.New("pairing secret not found")
	ErrNotJitsi = errors.New("video is not a jitsi live session")
)

type Store interface {
	SweepExpiredPairingSecrets(ctx context.Context, cutoff time.Time) error
	RotatePairingSecret(ctx context.Context, videoID, secret string, now time.Time) error
	ConsumePairingSecret(ctx context.Context, secret string) (*model.PairingSecret, error)
	UpsertPairedDevice(ctx context.Context, deviceID string) error
	IsDevicePaired(ctx context.Context, deviceID string) (bool, error)
	GetVideo(ctx context.Context, id string) (*model.Video, error)
}

type Broker struct {
	store       Store
	expiration  time.Duration
	jitsiDomain string
}

func NewBroker(store Store, expiration time.Duration, jitsiDomain string) *Broker {
	if expiration <= 0 {
		expiration = 60 * time.Second
	}
	return &Broker{store: store, expiration: expiration, jitsiDomain: jitsiDomain}
}

// RequestSecret rotates the live secret for a video: any prior secret is
// replaced, never appended. Every call sweeps expired secrets first.
func (b *Broker) RequestSecret(ctx context.Context, video *model.Video) (string, error) {
	if video.LiveType != model.LiveTypeJitsi {
		return "", ErrNotJitsi
	}
	now := time.Now().UTC()
	if err := b.store.SweepExpiredPairingSecrets(ctx, now.Add(-b.expiration)); err != nil {
		return "", err
	}

	// Regenerate on collision with another session's live secret.
	for attempt := 0; attempt < 10; attempt++ {
		secret, err := generateSecret()
		if err != nil {
			return "", err
		}
		err = b.store.RotatePairingSecret(ctx, video.ID, secret, now)
		if err == nil {
			return secret, nil
		}
		if !errors.Is(err, store.ErrSecretTaken) {
			return "", err
		}
	}
	return "", errors.New("could not allocate a unique pairing secret")
}

// Redeem consumes a secret and pairs the device. A secret found but owned by
// a session that is no longer jitsi-typed is still consumed; the caller gets
// ErrNotJitsi. Redeeming an already-paired device never errors and never
// duplicates.
func (b *Broker) Redeem(ctx context.Context, deviceID, secret string) (string, error) {
	now := time.Now().UTC()
	if err := b.store.SweepExpiredPairingSecrets(ctx, now.Add(-b.expiration)); err != nil {
		return "", err
	}

	ps, err := b.store.ConsumePairingSecret(ctx, secret)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	if now.Sub(ps.CreatedOn) > b.expiration {
		return "", ErrNotFound
	}

	video, err := b.store.GetVideo(ctx, ps.VideoID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	if video.LiveType != model.LiveTypeJitsi {
		// The session type changed underneath the secret.
		return "", ErrNotJitsi
	}

	if err := b.store.UpsertPairedDevice(ctx, deviceID); err != nil {
		return "", err
	}
	return b.JoinURL(video), nil
}

// IsDevicePaired reports whether the device already completed a pairing.
func (b *Broker) IsDevicePaired(ctx context.Context, deviceID string) (bool, error) {
	return b.store.IsDevicePaired(ctx, deviceID)
}

func (b *Broker) JoinURL(video *model.Video) string {
	domain := b.jitsiDomain
	if video.LiveInfo.Jitsi != nil && video.LiveInfo.Jitsi.Domain != "" {
		domain = video.LiveInfo.Jitsi.Domain
	}
	return fmt.Sprintf("https://%s/%s", domain, video.ID)
}

func generateSecret() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
