package session

import (
	"context"

	"gocloud.dev/blob"

	"github.com/getsentry/stackprof/internal/storageutil"
)

// StoragePrefix is the prefix of every stored session.
const StoragePrefix = "sessions/"

type (
	ReadJob struct {
		Ctx       context.Context
		Storage   *blob.Bucket
		SessionID string
		Result    chan<- storageutil.ReadJobResult
	}

	ReadJobResult struct {
		Err     error
		Session *Session
	}
)

func StoragePath(id string) string {
	return StoragePrefix + id
}

func (s *Session) StoragePath() string {
	return StoragePath(s.ID)
}

// Store writes the session, compressed, to the bucket.
func Store(ctx context.Context, b *blob.Bucket, s *Session) error {
	return storageutil.CompressedWrite(ctx, b, s.StoragePath(), s)
}

// Load reads a stored session. It returns storageutil.ErrObjectNotFound if
// there's none with this id.
func Load(ctx context.Context, b *blob.Bucket, id string) (*Session, error) {
	data, err := storageutil.ReadCompressed(ctx, b, StoragePath(id))
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

func (job ReadJob) Read() {
	s, err := Load(job.Ctx, job.Storage, job.SessionID)
	job.Result <- ReadJobResult{Session: s, Err: err}
}

func (result ReadJobResult) Error() error {
	return result.Err
}
