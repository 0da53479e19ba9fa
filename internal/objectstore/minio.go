package objectstore

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/bundlepay/server/internal/config"
)

// MinioStore is the S3-compatible warm tier. One *minio.Client is shared
// between the raw and backup stores; each MinioStore binds one bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
	logger zerolog.Logger
}

// NewMinioClient dials the configured S3-compatible endpoint.
func NewMinioClient(cfg config.ObjectStoreConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("dial object store: %w", err)
	}
	return client, nil
}

// NewMinioStore binds a client to one bucket.
func NewMinioStore(client *minio.Client, bucket string, logger zerolog.Logger) *MinioStore {
	return &MinioStore{
		client: client,
		bucket: bucket,
		logger: logger.With().Str("component", "objectstore").Str("bucket", bucket).Logger(),
	}
}

// EnsureBucket creates the bucket if it does not exist yet. Safe to call on
// every boot.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	s.logger.Info().Msg("bucket created")
	return nil
}

func (s *MinioStore) Put(ctx context.Context, key string, r io.Reader, size int64, ctype string, payloadDataStart int64) error {
	opts := minio.PutObjectOptions{
		ContentType: ctype,
		UserMetadata: map[string]string{
			MetaPayloadDataStart: strconv.FormatInt(payloadDataStart, 10),
		},
	}
	if _, err := s.client.PutObject(ctx, s.bucket, key, r, size, opts); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.GetRange(ctx, key, 0, -1)
}

func (s *MinioStore) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if offset > 0 || length > 0 {
		var err error
		if length > 0 {
			err = opts.SetRange(offset, offset+length-1)
		} else {
			err = opts.SetRange(offset, 0)
		}
		if err != nil {
			return nil, fmt.Errorf("range for %s: %w", key, err)
		}
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, opts)
	if err != nil {
		return nil, mapMinioErr(key, err)
	}
	// GetObject is lazy; surface missing keys now instead of at first read.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, mapMinioErr(key, err)
	}
	return obj, nil
}

func (s *MinioStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	stat, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return ObjectInfo{}, mapMinioErr(key, err)
	}
	return objectInfoFromStat(stat), nil
}

func (s *MinioStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *MinioStore) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && mapMinioErr(key, err) != ErrNotFound {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *MinioStore) ListByPrefix(ctx context.Context, prefix, cursor string, limit int) ([]ObjectInfo, string, error) {
	opts := minio.ListObjectsOptions{
		Prefix:     prefix,
		Recursive:  true,
		StartAfter: cursor,
	}

	var infos []ObjectInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, opts) {
		if obj.Err != nil {
			return nil, "", fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		infos = append(infos, ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			ContentType:  obj.ContentType,
			LastModified: obj.LastModified,
		})
		if limit > 0 && len(infos) >= limit {
			return infos, obj.Key, nil
		}
	}
	return infos, "", nil
}

func objectInfoFromStat(stat minio.ObjectInfo) ObjectInfo {
	info := ObjectInfo{
		Key:          stat.Key,
		Size:         stat.Size,
		ContentType:  stat.ContentType,
		LastModified: stat.LastModified,
	}
	if v := stat.UserMetadata[MetaPayloadDataStart]; v != "" {
		if start, err := strconv.ParseInt(v, 10, 64); err == nil {
			info.PayloadDataStart = start
		}
	}
	return info
}

func mapMinioErr(key string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket" || resp.StatusCode == 404 {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", key, err)
}
