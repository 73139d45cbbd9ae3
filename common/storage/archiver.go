package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/medialens/tweet-harvest-service/common/models"
	"github.com/medialens/tweet-harvest-service/common/work"
)

// Archiver writes completed harvest batches to object storage as JSON,
// fanned out through a worker pool so uploads never block the
// harvesting path. A nil Archiver (no bucket configured) is a no-op.
type Archiver struct {
	storage StorageService
	bucket  string
	pool    *work.Pool
}

// NewArchiver builds an archiver over the storage service. Returns nil
// when no bucket is configured, which disables archiving.
func NewArchiver(storage StorageService, bucket string, pool *work.Pool) *Archiver {
	if storage == nil || bucket == "" {
		return nil
	}
	return &Archiver{
		storage: storage,
		bucket:  bucket,
		pool:    pool,
	}
}

type batchObject struct {
	ProjectID  string         `json:"project_id"`
	Keyword    string         `json:"keyword"`
	ArchivedAt time.Time      `json:"archived_at"`
	Tweets     []models.Tweet `json:"tweets"`
}

// ArchiveBatch enqueues an upload of one harvested batch. Empty
// batches are skipped.
func (a *Archiver) ArchiveBatch(projectID, keyword string, tweets []models.Tweet) {
	if a == nil || len(tweets) == 0 {
		return
	}

	object := batchObject{
		ProjectID:  projectID,
		Keyword:    keyword,
		ArchivedAt: time.Now().UTC(),
		Tweets:     tweets,
	}
	name := fmt.Sprintf("batches/%s/%s.json", projectID, object.ArchivedAt.Format("20060102T150405.000000000"))

	err := a.pool.Submit("archive:"+name, func(ctx context.Context) error {
		payload, err := json.Marshal(object)
		if err != nil {
			return fmt.Errorf("encoding batch for %s: %w", projectID, err)
		}
		_, err = a.storage.Upload(ctx, a.bucket, name, payload, "application/json")
		return err
	})
	if err != nil {
		log.Warn().Err(err).Str("object", name).Msg("Could not enqueue batch archive")
	}
}
