package jobs

import (
	"context"
	"log"
	"time"
)

// sendDeletionReminders mails the owner of every stopped-but-not-harvested
// session one day before its recordings become eligible for automatic
// deletion by the idle reaper.
func (r *Runner) sendDeletionReminders(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-(r.idleRetention - 24*time.Hour))
	videos, err := r.store.ListDeletionReminderCandidates(ctx, cutoff)
	if err != nil {
		return err
	}
	for i := range videos {
		v := &videos[i]
		if err := r.mailer.SendConversionReminder(ctx, v); err != nil {
			log.Printf("event=deletion_reminder_failed video_id=%s err=%q", v.ID, err.Error())
			continue
		}
		if err := r.store.MarkReminderSent(ctx, v.ID); err != nil {
			log.Printf("event=reminder_mark_failed video_id=%s err=%q", v.ID, err.Error())
		}
	}
	return nil
}
