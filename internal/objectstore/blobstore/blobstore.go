// Package blobstore adapts Go CDK buckets to the object store. Store URLs
// are Go CDK bucket URLs behind a "blob+" prefix, e.g. blob+file:///srv/gems,
// blob+mem://, blob+gs://bucket, blob+s3://bucket, blob+azblob://container.
//
// Go CDK offers no conditional writes, so these stores get the in-process
// CompareAndSwap from objectstore.Local and must not be shared between
// server processes.
package blobstore

import (
	"context"
	"errors"
	"io"
	"net/url"
	"sort"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/git-pkgs/gemserver/internal/objectstore"
)

const schemePrefix = "blob+"

func init() {
	for _, scheme := range []string{"file", "mem", "gs", "s3", "azblob"} {
		objectstore.Register(schemePrefix+scheme, func(ctx context.Context, u *url.URL) (objectstore.Store, error) {
			return Open(ctx, strings.TrimPrefix(u.String(), schemePrefix))
		})
	}
}

// Store wraps a Go CDK bucket.
type Store struct {
	bucket *blob.Bucket
}

// Open opens a Go CDK bucket URL.
func Open(ctx context.Context, bucketURL string) (*Store, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, err
	}
	return &Store{bucket: bucket}, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, objectstore.NotFound(key)
	}
	return data, objectstore.Fail("get", key, err)
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	opts := &blob.WriterOptions{ContentType: "application/octet-stream"}
	return objectstore.Fail("put", key, s.bucket.WriteAll(ctx, key, data, opts))
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return objectstore.Fail("delete", key, err)
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	it := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	var keys []string
	for {
		obj, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, objectstore.Fail("list", prefix, err)
		}
		if !obj.IsDir {
			keys = append(keys, obj.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) Close() error {
	return s.bucket.Close()
}
