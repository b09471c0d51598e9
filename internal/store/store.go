package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/classlive/live-control-plane/internal/livestate"
	"github.com/classlive/live-control-plane/internal/model"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrSecretTaken = errors.New("pairing secret already in use")
)

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

func New(db DB) *Store {
	return &Store{db: db}
}

const videoColumns = `id, upload_state, coalesce(live_state, ''), coalesce(live_type, ''), live_info, recording_slices, starting_at, resolutions, duration_seconds, updated_at`

const selectVideo = `
select ` + videoColumns + `
from videos
where id = $1`

const selectVideoForUpdate = selectVideo + `
for update`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(row rowScanner) (*model.Video, error) {
	var v model.Video
	var liveState, liveType string
	var liveInfo, slices, resolutions []byte
	var startingAt *time.Time
	if err := row.Scan(
		&v.ID, &v.UploadState, &liveState, &liveType,
		&liveInfo, &slices, &startingAt, &resolutions, &v.DurationSeconds, &v.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	v.LiveState = model.LiveState(liveState)
	v.LiveType = model.LiveType(liveType)
	v.StartingAt = startingAt
	if len(liveInfo) > 0 {
		if err := json.Unmarshal(liveInfo, &v.LiveInfo); err != nil {
			return nil, fmt.Errorf("decode live_info: %w", err)
		}
	}
	if len(slices) > 0 {
		if err := json.Unmarshal(slices, &v.RecordingSlices); err != nil {
			return nil, fmt.Errorf("decode recording_slices: %w", err)
		}
	}
	if len(resolutions) > 0 {
		if err := json.Unmarshal(resolutions, &v.Resolutions); err != nil {
			return nil, fmt.Errorf("decode resolutions: %w", err)
		}
	}
	return &v, nil
}

func (s *Store) GetVideo(ctx context.Context, id string) (*model.Video, error) {
	return scanVideo(s.db.QueryRow(ctx, selectVideo, id))
}

const updateVideo = `
update videos
set upload_state = $2,
    live_state = nullif($3, ''),
    live_type = nullif($4, ''),
    live_info = $5,
    recording_slices = $6,
    starting_at = $7,
    resolutions = $8,
    duration_seconds = $9,
    updated_at = now()
where id = $1`

func saveVideoTx(ctx context.Context, tx pgx.Tx, v *model.Video) error {
	liveInfo, err := json.Marshal(v.LiveInfo)
	if err != nil {
		return fmt.Errorf("encode live_info: %w", err)
	}
	slices, err := json.Marshal(v.RecordingSlices)
	if err != nil {
		return fmt.Errorf("encode recording_slices: %w", err)
	}
	resolutions, err := json.Marshal(v.Resolutions)
	if err != nil {
		return fmt.Errorf("encode resolutions: %w", err)
	}
	tag, err := tx.Exec(ctx, updateVideo,
		v.ID, v.UploadState, string(v.LiveState), string(v.LiveType),
		liveInfo, slices, v.StartingAt, resolutions, v.DurationSeconds,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MutateVideo runs fn against the video row under a row lock and persists the
// result. It is the single unit of atomicity for all live-state mutations:
// concurrent mutations of the same video serialize here.
func (s *Store) MutateVideo(ctx context.Context, id string, fn func(*model.Video) error) (*model.Video, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	v, err := scanVideo(tx.QueryRow(ctx, selectVideoForUpdate, id))
	if err != nil {
		return nil, err
	}
	if err := fn(v); err != nil {
		return nil, err
	}
	if err := saveVideoTx(ctx, tx, v); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return v, nil
}

type SignalResult struct {
	Video   *model.Video
	Outcome livestate.Outcome
	// Duplicate marks an already-processed request id: the call succeeded
	// but nothing was mutated and no side effect may run.
	Duplicate bool
}

// ApplyLiveSignal runs one webhook signal through the state machine inside a
// transaction. The dedup check and the transition commit atomically, so
// at-least-once delivery of the same notification mutates state exactly once.
// An invalid signal fails before the request id is consumed.
func (s *Store) ApplyLiveSignal(ctx context.Context, videoID, requestID string, sig livestate.Signal, meta livestate.Meta, now time.Time) (SignalResult, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return SignalResult{}, err
	}
	defer tx.Rollback(ctx)

	v, err := scanVideo(tx.QueryRow(ctx, selectVideoForUpdate, videoID))
	if err != nil {
		return SignalResult{}, err
	}
	if v.LiveInfo.HasRequestID(requestID) {
		if err := tx.Commit(ctx); err != nil {
			return SignalResult{}, err
		}
		return SignalResult{Video: v, Duplicate: true}, nil
	}

	outcome, err := livestate.Apply(v, sig, meta, now)
	if err != nil {
		return SignalResult{}, err
	}
	v.LiveInfo.AppendRequestID(requestID)

	if err := saveVideoTx(ctx, tx, v); err != nil {
		return SignalResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return SignalResult{}, err
	}
	return SignalResult{Video: v, Outcome: outcome}, nil
}

// ForceLiveState mirrors an externally observed state onto the video,
// applying the side effects the equivalent transition would apply. Used by
// drift reconciliation.
func (s *Store) ForceLiveState(ctx context.Context, videoID string, target model.LiveState, now time.Time) (*model.Video, livestate.Effects, error) {
	var effects livestate.Effects
	v, err := s.MutateVideo(ctx, videoID, func(v *model.Video) error {
		effects = livestate.Force(v, target, now)
		return nil
	})
	if err != nil {
		return nil, livestate.Effects{}, err
	}
	return v, effects, nil
}

const releaseLive = `
update videos
set live_state = null,
    live_info = '{}'::jsonb,
    upload_state = 'deleted',
    starting_at = null,
    updated_at = now()
where id = $1`

// ReleaseLive fully tears down the persisted live aspect of a video: state
// nulled, live_info cleared, upload marked deleted.
func (s *Store) ReleaseLive(ctx context.Context, videoID string) error {
	tag, err := s.db.Exec(ctx, releaseLive, videoID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SaveVideo(ctx context.Context, v *model.Video) error {
	_, err := s.MutateVideo(ctx, v.ID, func(curr *model.Video) error {
		*curr = *v
		return nil
	})
	return err
}

// MarkSliceHarvested advances the slice owning harvestJobID to harvested and
// records its final manifest key. Repeat deliveries are accepted without a
// second mutation; an unknown job id is a not-found error.
func (s *Store) MarkSliceHarvested(ctx context.Context, videoID, harvestJobID, manifestKey string) (*model.Video, error) {
	return s.MutateVideo(ctx, videoID, func(v *model.Video) error {
		for i := range v.RecordingSlices {
			slice := &v.RecordingSlices[i]
			if slice.HarvestJobID != harvestJobID {
				continue
			}
			if slice.Status.CanAdvanceTo(model.SliceHarvested) {
				slice.Status = model.SliceHarvested
				slice.ManifestKey = manifestKey
			}
			return nil
		}
		return ErrNotFound
	})
}

const sweepSecrets = `
delete from pairing_secrets
where created_on <= $1`

// SweepExpiredPairingSecrets deletes every secret created at or before
// cutoff. Triggered lazily by every secret request or challenge.
func (s *Store) SweepExpiredPairingSecrets(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.Exec(ctx, sweepSecrets, cutoff)
	return err
}

// RotatePairingSecret replaces any live secret for the video with a fresh
// one. A collision with another video's live secret is ErrSecretTaken; the
// caller regenerates and retries.
func (s *Store) RotatePairingSecret(ctx context.Context, videoID, secret string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `delete from pairing_secrets where video_id = $1`, videoID); err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`insert into pairing_secrets (secret, video_id, created_on) values ($1, $2, $3)`,
		secret, videoID, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrSecretTaken
		}
		return err
	}
	return tx.Commit(ctx)
}

// ConsumePairingSecret looks up a live secret and deletes it in the same
// transaction. A secret is redeemable at most once.
func (s *Store) ConsumePairingSecret(ctx context.Context, secret string) (*model.PairingSecret, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var ps model.PairingSecret
	err = tx.QueryRow(ctx,
		`select secret, video_id, created_on from pairing_secrets where secret = $1 for update`,
		secret,
	).Scan(&ps.Secret, &ps.VideoID, &ps.CreatedOn)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if _, err := tx.Exec(ctx, `delete from pairing_secrets where secret = $1`, secret); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &ps, nil
}

// UpsertPairedDevice persists a device id. Pairing the same device again is a
// no-op, never a duplicate.
func (s *Store) UpsertPairedDevice(ctx context.Context, deviceID string) error {
	_, err := s.db.Exec(ctx,
		`insert into paired_devices (id) values ($1) on conflict (id) do nothing`,
		deviceID,
	)
	return err
}

func (s *Store) IsDevicePaired(ctx context.Context, deviceID string) (bool, error) {
	var paired bool
	err := s.db.QueryRow(ctx,
		`select exists (select 1 from paired_devices where id = $1)`,
		deviceID,
	).Scan(&paired)
	return paired, err
}

const reminderCandidates = `
select ` + videoColumns + `
from videos
where live_state = 'stopped'
  and updated_at <= $1
  and reminder_sent_at is null
order by updated_at asc`

// ListDeletionReminderCandidates returns stopped-but-not-harvested sessions
// whose recordings are close enough to automatic deletion to warrant the
// day-ahead reminder.
func (s *Store) ListDeletionReminderCandidates(ctx context.Context, cutoff time.Time) ([]model.Video, error) {
	rows, err := s.db.Query(ctx, reminderCandidates, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Video, 0)
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) MarkReminderSent(ctx context.Context, videoID string) error {
	_, err := s.db.Exec(ctx,
		`update videos set reminder_sent_at = now() where id = $1`,
		videoID,
	)
	return err
}
