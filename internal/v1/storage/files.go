// Package storage is the recording blob store. Blobs are opaque to the
// control plane: it only hands out presigned URLs and deletes objects,
// against any S3-compatible endpoint.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// FileStore handles recording uploads and downloads through presigned
// URLs, so recording bytes never transit the control plane.
type FileStore struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
}

// NewFileStore creates a store against an S3-compatible endpoint.
func NewFileStore(endpoint, accessKeyID, secretAccessKey, bucket string) (*FileStore, error) {
	if endpoint == "" || accessKeyID == "" || secretAccessKey == "" || bucket == "" {
		return nil, fmt.Errorf("recording storage configuration incomplete")
	}

	creds := credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")

	client := s3.New(s3.Options{
		Region:       "auto",
		Credentials:  creds,
		BaseEndpoint: aws.String(endpoint),
	})

	return &FileStore{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
	}, nil
}

// RecordingKey builds the object key for one recording of one meeting.
func RecordingKey(meetingID uuid.UUID, filename string) string {
	return fmt.Sprintf("recordings/%s/%s", meetingID, filename)
}

// PresignUpload returns a URL the recorder can PUT the blob to.
func (f *FileStore) PresignUpload(ctx context.Context, objectKey, contentType string, expiry time.Duration) (string, error) {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(f.bucket),
		Key:         aws.String(objectKey),
		ContentType: aws.String(contentType),
	}

	request, err := f.presigner.PresignPutObject(ctx, input, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("presign PUT: %w", err)
	}
	return request.URL, nil
}

// PresignDownload returns a URL a client can GET the blob from.
func (f *FileStore) PresignDownload(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(objectKey),
	}

	request, err := f.presigner.PresignGetObject(ctx, input, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("presign GET: %w", err)
	}
	return request.URL, nil
}

// Delete removes a recording object.
func (f *FileStore) Delete(ctx context.Context, objectKey string) error {
	input := &s3.DeleteObjectInput{
		Bucket: aws.String(f.bucket),
		Key:    aws.String(objectKey),
	}

	if _, err := f.client.DeleteObject(ctx, input); err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}
