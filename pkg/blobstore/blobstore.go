// Package blobstore puts/gets/presigns objects and checks bucket
// existence for the evidence pipeline. Two variants: S3-compatible
// (aws-sdk-go-v2/service/s3, production) and filesystem (development
// only).
package blobstore

import "context"

type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Presign returns a short-lived URL; ttlSeconds <= 0 falls back to the
	// store's configured default of one hour.
	Presign(ctx context.Context, key string, ttlSeconds int) (string, error)
	BucketExists(ctx context.Context) (bool, error)
}

const DefaultPresignTTLSeconds = 3600
