package reporting

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/clinic/internal/platform/blobstore"
)

// ArchivePrefix is where exported workbooks live inside the blob store.
const ArchivePrefix = "reports/"

// Archive keeps exported workbooks in a blob store so a filed month can be
// downloaded again after the data changed.
type Archive struct {
	store  blobstore.Store
	logger zerolog.Logger
	now    func() time.Time
}

func NewArchive(store blobstore.Store, logger zerolog.Logger) *Archive {
	return &Archive{store: store, logger: logger, now: time.Now}
}

// Key returns the object key for a month's export. An empty month means all
// months; each export gets its own timestamped key.
func (a *Archive) Key(month string) string {
	if month == "" {
		month = "all"
	}
	stamp := a.now().UTC().Format("20060102T150405Z")
	return path.Join(ArchivePrefix, "monthly-returns", month, "monthly-returns-"+month+"-"+stamp+".xlsx")
}

// Store renders w and writes it under Key(month).
func (a *Archive) Store(ctx context.Context, month string, w Workbook) (*blobstore.Object, error) {
	data, err := w.XLSX()
	if err != nil {
		return nil, fmt.Errorf("render workbook: %w", err)
	}
	key := a.Key(month)
	if err := a.store.Put(ctx, key, data, MIMEXLSX); err != nil {
		return nil, fmt.Errorf("archive %s: %w", key, err)
	}
	a.logger.Info().Str("key", key).Int("bytes", len(data)).Str("month", month).Msg("monthly returns archived")
	return a.store.Stat(ctx, key)
}
