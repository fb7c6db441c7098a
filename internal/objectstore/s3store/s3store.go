// Package s3store keeps blobs in an S3-compatible bucket
// (s3://bucket?endpoint=host:9000&region=us-east-1&ssl=false).
//
// Credentials come from AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY or
// MINIO_ROOT_USER/MINIO_ROOT_PASSWORD.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/git-pkgs/gemserver/internal/core"
	"github.com/git-pkgs/gemserver/internal/objectstore"
)

func init() {
	objectstore.Register("s3", func(_ context.Context, u *url.URL) (objectstore.Store, error) {
		cfg, err := ConfigFromURL(u)
		if err != nil {
			return nil, err
		}
		return New(cfg)
	})
}

// Config addresses one bucket.
type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// ConfigFromURL reads a Config from an s3:// URL and the environment.
func ConfigFromURL(u *url.URL) (Config, error) {
	q := u.Query()
	cfg := Config{
		Bucket:    u.Host,
		Endpoint:  q.Get("endpoint"),
		Region:    q.Get("region"),
		AccessKey: firstNonEmpty(os.Getenv("AWS_ACCESS_KEY_ID"), os.Getenv("MINIO_ROOT_USER")),
		SecretKey: firstNonEmpty(os.Getenv("AWS_SECRET_ACCESS_KEY"), os.Getenv("MINIO_ROOT_PASSWORD")),
		UseSSL:    true,
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "s3.amazonaws.com"
	}
	if v := q.Get("ssl"); v != "" {
		ssl, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("s3 ssl parameter: %w", err)
		}
		cfg.UseSSL = ssl
	}
	return cfg, nil
}

// Store is an object store on a single bucket. Conditional writes use
// If-Match and If-None-Match, so CompareAndSwap is safe across processes
// for creation and replacement. Conditional deletion checks the ETag and
// then removes the object, which is not atomic.
type Store struct {
	client     *minio.Client
	bucketName string
	region     string
	initOnce   sync.Once
	initErr    error
}

var _ objectstore.Swapper = (*Store)(nil)

// New connects to the bucket described by cfg.
func New(cfg Config) (*Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}
	return &Store{client: client, bucketName: bucket, region: region}, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucketName)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, _, err := s.get(ctx, key)
	return data, err
}

// get returns the object and its ETag.
func (s *Store) get(ctx context.Context, key string) ([]byte, string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, "", objectstore.Fail("get", key, err)
	}
	obj, err := s.client.GetObject(ctx, s.bucketName, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", s.fail("get", key, err)
	}
	defer func() { _ = obj.Close() }()

	info, err := obj.Stat()
	if err != nil {
		return nil, "", s.fail("get", key, err)
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", s.fail("get", key, err)
	}
	return data, info.ETag, nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	return s.fail("put", key, s.put(ctx, key, data, minio.PutObjectOptions{}))
}

// put returns the unwrapped client error so callers can inspect it.
func (s *Store) put(ctx context.Context, key string, data []byte, opts minio.PutObjectOptions) error {
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	if data == nil {
		data = []byte{}
	}
	opts.ContentType = "application/octet-stream"
	_, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(data), int64(len(data)), opts)
	return err
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.ensureBucket(ctx); err != nil {
		return objectstore.Fail("delete", key, err)
	}
	err := s.client.RemoveObject(ctx, s.bucketName, key, minio.RemoveObjectOptions{})
	if err != nil && isNotFound(err) {
		return nil
	}
	return s.fail("delete", key, err)
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, objectstore.Fail("list", prefix, err)
	}
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, s.fail("list", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error) {
	if old == nil {
		if new == nil {
			_, _, err := s.get(ctx, key)
			if errors.Is(err, core.ErrNotFound) {
				return true, nil
			}
			return false, err
		}
		var opts minio.PutObjectOptions
		opts.SetMatchETagExcept("*")
		return s.conditional(key, s.put(ctx, key, new, opts))
	}

	cur, etag, err := s.get(ctx, key)
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !bytes.Equal(cur, old) {
		return false, nil
	}
	if new == nil {
		return true, s.Delete(ctx, key)
	}
	var opts minio.PutObjectOptions
	opts.SetMatchETag(etag)
	return s.conditional(key, s.put(ctx, key, new, opts))
}

// conditional maps a failed precondition to an unswapped result.
func (s *Store) conditional(key string, err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode == http.StatusPreconditionFailed || resp.Code == "PreconditionFailed" ||
		resp.StatusCode == http.StatusConflict {
		return false, nil
	}
	return false, s.fail("cas", key, err)
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) fail(op, key string, err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return objectstore.NotFound(key)
	}
	return objectstore.Fail(op, key, err)
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
