package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/classlive/live-control-plane/internal/livestate"
	"github.com/classlive/live-control-plane/internal/model"
)

const selectPrefix = `select id, upload_state, coalesce(live_state, ''), coalesce(live_type, ''), live_info, recording_slices, starting_at, resolutions, duration_seconds, updated_at`

func videoColumnsList() []string {
	return []string{
		"id", "upload_state", "live_state", "live_type",
		"live_info", "recording_slices", "starting_at", "resolutions", "duration_seconds", "updated_at",
	}
}

func videoRow(id, uploadState, liveState, liveType, liveInfo, slices string) *pgxmock.Rows {
	return pgxmock.NewRows(videoColumnsList()).AddRow(
		id, uploadState, liveState, liveType,
		[]byte(liveInfo), []byte(slices), nil, []byte(`[]`), 0, time.Now().UTC(),
	)
}

func TestApplyLiveSignalRunsTransitionOnce(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectPrefix)).
		WithArgs("vid_1").
		WillReturnRows(videoRow("vid_1", "pending", "idle", "raw", `{"request_ids":[]}`, `[]`))
	mock.ExpectExec(regexp.QuoteMeta("update videos")).
		WithArgs("vid_1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	s := New(mock)
	res, err := s.ApplyLiveSignal(context.Background(), "vid_1", "r1",
		livestate.Signal(model.LiveStateRunning), livestate.Meta{}, time.Unix(1700000000, 0).UTC())
	if err != nil {
		t.Fatalf("ApplyLiveSignal returned err: %v", err)
	}
	if res.Duplicate || !res.Outcome.Applied {
		t.Fatalf("expected applied transition, got %+v", res)
	}
	if res.Video.LiveState != model.LiveStateRunning {
		t.Fatalf("expected running, got %s", res.Video.LiveState)
	}
	if !res.Video.LiveInfo.HasRequestID("r1") {
		t.Fatal("expected request id recorded")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyLiveSignalDuplicateSkipsMutation(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectPrefix)).
		WithArgs("vid_1").
		WillReturnRows(videoRow("vid_1", "pending", "running", "raw", `{"request_ids":["r1"],"started_at":"1700000000"}`, `[]`))
	mock.ExpectCommit()

	s := New(mock)
	res, err := s.ApplyLiveSignal(context.Background(), "vid_1", "r1",
		livestate.Signal(model.LiveStateRunning), livestate.Meta{}, time.Now().UTC())
	if err != nil {
		t.Fatalf("ApplyLiveSignal returned err: %v", err)
	}
	if !res.Duplicate {
		t.Fatal("expected duplicate result")
	}
	if res.Video.LiveState != model.LiveStateRunning {
		t.Fatalf("expected state untouched, got %s", res.Video.LiveState)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyLiveSignalInvalidTokenDoesNotConsumeRequestID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectPrefix)).
		WithArgs("vid_1").
		WillReturnRows(videoRow("vid_1", "pending", "idle", "raw", `{"request_ids":[]}`, `[]`))
	mock.ExpectRollback()

	s := New(mock)
	_, err = s.ApplyLiveSignal(context.Background(), "vid_1", "r1",
		livestate.Signal("bogus"), livestate.Meta{}, time.Now().UTC())
	if !errors.Is(err, livestate.ErrInvalidSignal) {
		t.Fatalf("expected ErrInvalidSignal, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyLiveSignalUnknownVideo(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectPrefix)).
		WithArgs("vid_missing").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	s := New(mock)
	_, err = s.ApplyLiveSignal(context.Background(), "vid_missing", "r1",
		livestate.Signal(model.LiveStateRunning), livestate.Meta{}, time.Now().UTC())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkSliceHarvestedAdvancesMatchingSlice(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	slices := `[{"start":1700000000,"stop":1700000600,"status":"processing","harvest_job_id":"job1","manifest_key":"k1"}]`
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectPrefix)).
		WithArgs("vid_1").
		WillReturnRows(videoRow("vid_1", "pending", "harvesting", "raw", `{}`, slices))
	mock.ExpectExec(regexp.QuoteMeta("update videos")).
		WithArgs("vid_1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	s := New(mock)
	v, err := s.MarkSliceHarvested(context.Background(), "vid_1", "job1", "final.m3u8")
	if err != nil {
		t.Fatalf("MarkSliceHarvested returned err: %v", err)
	}
	got := v.RecordingSlices[0]
	if got.Status != model.SliceHarvested || got.ManifestKey != "final.m3u8" {
		t.Fatalf("unexpected slice %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMarkSliceHarvestedUnknownJob(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectPrefix)).
		WithArgs("vid_1").
		WillReturnRows(videoRow("vid_1", "pending", "harvesting", "raw", `{}`, `[]`))
	mock.ExpectRollback()

	s := New(mock)
	_, err = s.MarkSliceHarvested(context.Background(), "vid_1", "job_missing", "final.m3u8")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRotatePairingSecretCollision(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	now := time.Now().UTC()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("delete from pairing_secrets where video_id")).
		WithArgs("vid_1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(regexp.QuoteMeta("insert into pairing_secrets")).
		WithArgs("123456", "vid_1", now).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	s := New(mock)
	err = s.RotatePairingSecret(context.Background(), "vid_1", "123456", now)
	if !errors.Is(err, ErrSecretTaken) {
		t.Fatalf("expected ErrSecretTaken, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConsumePairingSecretDeletesInSameTx(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	created := time.Now().UTC().Add(-10 * time.Second)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select secret, video_id, created_on from pairing_secrets")).
		WithArgs("123456").
		WillReturnRows(pgxmock.NewRows([]string{"secret", "video_id", "created_on"}).
			AddRow("123456", "vid_1", created))
	mock.ExpectExec(regexp.QuoteMeta("delete from pairing_secrets where secret")).
		WithArgs("123456").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCommit()

	s := New(mock)
	ps, err := s.ConsumePairingSecret(context.Background(), "123456")
	if err != nil {
		t.Fatalf("ConsumePairingSecret returned err: %v", err)
	}
	if ps.VideoID != "vid_1" || !ps.CreatedOn.Equal(created) {
		t.Fatalf("unexpected secret %+v", ps)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConsumePairingSecretNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("select secret, video_id, created_on from pairing_secrets")).
		WithArgs("000000").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	s := New(mock)
	_, err = s.ConsumePairingSecret(context.Background(), "000000")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReleaseLive(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("update videos")).
		WithArgs("vid_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	s := New(mock)
	if err := s.ReleaseLive(context.Background(), "vid_1"); err != nil {
		t.Fatalf("ReleaseLive returned err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
