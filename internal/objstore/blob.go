package objstore

import (
	"context"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"
)

// bucketStore backs the s3, file and mem drivers.
type bucketStore struct{ bk *blob.Bucket }

func openBucket(ctx context.Context, u string) (Store, error) {
	bk, err := blob.OpenBucket(ctx, u)
	if err != nil {
		return nil, err
	}
	return &bucketStore{bk: bk}, nil
}

func (s *bucketStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return s.bk.WriteAll(ctx, sanitizeKey(key), data, &blob.WriterOptions{ContentType: contentType})
}

func (s *bucketStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.bk.ReadAll(ctx, sanitizeKey(key))
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, ErrNotFound
	}
	return b, err
}

func (s *bucketStore) Delete(ctx context.Context, key string) error {
	err := s.bk.Delete(ctx, sanitizeKey(key))
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return err
}

func (s *bucketStore) Close() error { return s.bk.Close() }
