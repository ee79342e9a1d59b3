// Package retention removes submissions older than the configured window
// together with their archived attachments.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dharsanguruparan/FormDrop/internal/storage"
)

// Purger deletes old records and their blobs.
type Purger struct {
	records storage.Records
	blobs   storage.Blobs
	now     func() time.Time
}

// New returns a Purger. blobs may be nil when nothing was archived.
func New(records storage.Records, blobs storage.Blobs) *Purger {
	return &Purger{records: records, blobs: blobs, now: time.Now}
}

// Purge hard-deletes every record created more than days ago and returns
// how many attachment blobs were removed.
func (p *Purger) Purge(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		return 0, fmt.Errorf("retention days must be positive, got %d", days)
	}
	cutoff := p.now().Add(-time.Duration(days) * 24 * time.Hour)
	files, err := p.records.PurgeBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge records: %w", err)
	}
	if p.blobs == nil {
		return 0, nil
	}
	removed := 0
	for _, f := range files {
		if err := p.blobs.Delete(ctx, f.Path); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.WithError(err).WithField("key", f.Path).Warn("delete purged attachment")
			continue
		}
		removed++
	}
	log.WithFields(log.Fields{
		"cutoff": cutoff.Format(time.RFC3339),
		"blobs":  removed,
	}).Info("retention purge finished")
	return removed, nil
}
