package failuredetector

import (
	"context"
	"time"

	"failuredetector/internal/notifier"
	logx "failuredetector/pkg/logx"
)

// pruneHistory drops detections older than history_retention.
func (p *Plugin) pruneHistory(ctx context.Context) error {
	st := p.Deps.Store
	if st == nil {
		return nil
	}
	before := time.Now().Add(-p.settings.load().retention)
	n, err := st.PruneDetections(ctx, before)
	if err != nil {
		return err
	}
	if n > 0 {
		p.Log.Info("history pruned", logx.Int("removed", n), logx.Time("before", before))
	}
	return nil
}

// sendSummary posts the last 24h of detections to the operator chat.
func (p *Plugin) sendSummary(ctx context.Context) error {
	since := time.Now().Add(-24 * time.Hour)
	st, err := p.stats(ctx, since)
	if err != nil {
		return err
	}
	return p.Alert(ctx, notifier.Alert{
		Key:      "failuredetector:summary:" + since.Format(time.DateOnly),
		Priority: notifier.PriorityInfo,
		Text:     formatSummary(st, since),
	})
}
