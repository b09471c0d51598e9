// Package notify holds the operator-notification contract. Delivery itself
// (email templating, SMTP) lives outside this service.
package notify

import (
	"context"
	"log"

	"github.com/classlive/live-control-plane/internal/model"
)

type Mailer interface {
	// SendConversionReminder warns the owning instructor one day before a
	// stopped session's recordings are deleted automatically.
	SendConversionReminder(ctx context.Context, video *model.Video) error
}

// LogMailer records reminders in the process log. Stands in when no mail
// relay is configured and in tests.
type LogMailer struct{}

func (LogMailer) SendConversionReminder(_ context.Context, video *model.Video) error {
	log.Printf("event=conversion_reminder video_id=%s live_state=%s", video.ID, video.LiveState)
	return nil
}
