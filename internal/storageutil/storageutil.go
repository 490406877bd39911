package storageutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/pierrec/lz4/v4"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// ErrObjectNotFound indicates an object was not found.
var ErrObjectNotFound = errors.New("object not found")

type (
	// ReadJob is a unit of work for a pool of read workers.
	ReadJob interface {
		Read()
	}

	ReadJobResult interface {
		Error() error
	}
)

// ReadWorker runs jobs until the channel is closed.
func ReadWorker(jobs <-chan ReadJob) {
	for job := range jobs {
		job.Read()
	}
}

// CompressedWrite compresses and writes data to the bucket.
func CompressedWrite(ctx context.Context, b *blob.Bucket, objectName string, d interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ow, err := b.NewWriter(ctx, objectName, &blob.WriterOptions{ContentType: "application/x-lz4"})
	if err != nil {
		return err
	}
	zw := lz4.NewWriter(ow)
	_ = zw.Apply(lz4.CompressionLevelOption(lz4.Level9))
	var payload []byte
	switch v := d.(type) {
	case []byte:
		payload = v
	default:
		payload, err = json.Marshal(d)
		if err != nil {
			_ = ow.Close()
			return err
		}
	}
	_, err = zw.Write(payload)
	if err != nil {
		_ = ow.Close()
		return err
	}
	err = zw.Close()
	if err != nil {
		_ = ow.Close()
		return err
	}
	return ow.Close()
}

// UnmarshalCompressed reads compressed JSON data from the bucket and
// unmarshals it.
func UnmarshalCompressed(ctx context.Context, b *blob.Bucket, objectName string, d interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	or, err := b.NewReader(ctx, objectName, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return fmt.Errorf("storageutil: %w: %s", ErrObjectNotFound, objectName)
		}
		return err
	}
	defer or.Close()
	zr := lz4.NewReader(or)
	return json.NewDecoder(zr).Decode(d)
}

// ReadCompressed returns the uncompressed content of an object.
func ReadCompressed(ctx context.Context, b *blob.Bucket, objectName string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	or, err := b.NewReader(ctx, objectName, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("storageutil: %w: %s", ErrObjectNotFound, objectName)
		}
		return nil, err
	}
	defer or.Close()
	return io.ReadAll(lz4.NewReader(or))
}

// DeleteOlderThan deletes the objects under prefix last modified before
// cutoff and returns how many were deleted.
func DeleteOlderThan(ctx context.Context, b *blob.Bucket, prefix string, cutoff time.Time) (int, error) {
	it := b.List(&blob.ListOptions{Prefix: prefix})
	var deleted int
	for {
		obj, err := it.Next(ctx)
		if err == io.EOF {
			return deleted, nil
		}
		if err != nil {
			return deleted, err
		}
		if obj.IsDir || !obj.ModTime.Before(cutoff) {
			continue
		}
		if err := b.Delete(ctx, obj.Key); err != nil {
			if gcerrors.Code(err) == gcerrors.NotFound {
				continue
			}
			return deleted, err
		}
		deleted++
	}
}
