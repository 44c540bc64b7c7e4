package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Yulian302/lfusys-services-transfer/logging"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// ArtifactKey is the object key of a mirrored artifact.
func ArtifactKey(artifactID string) string {
	return "artifacts/" + artifactID
}

// S3ArtifactMirror copies assembled artifacts to a bucket and hands out
// presigned download URLs for them.
type S3ArtifactMirror struct {
	client     *s3.Client
	bucketName string
	partSize   int64 // multipart threshold and part size (default 8MB)

	logger logging.Logger
}

func NewS3ArtifactMirror(client *s3.Client, bucketName string, l logging.Logger) *S3ArtifactMirror {
	return &S3ArtifactMirror{
		client:     client,
		bucketName: bucketName,
		partSize:   8 * 1024 * 1024,
		logger:     l,
	}
}

func (s *S3ArtifactMirror) Name() string {
	return "ArtifactMirror[s3]"
}

func (s *S3ArtifactMirror) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucketName)})
	return err
}

// Mirror uploads the file at path under key. An existing object is left as
// is, so repeating a mirror is harmless.
func (s *S3ArtifactMirror) Mirror(ctx context.Context, key, path string, size int64) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	exists, err := s.objectExists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		s.logger.Info("artifact already mirrored, skipping", "key", key)
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	if size < s.partSize {
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucketName),
			Key:           aws.String(key),
			Body:          f,
			ContentLength: aws.Int64(size),
		})
		if err != nil {
			s.logger.Error("failed to put artifact", "key", key, "error", err)
			return fmt.Errorf("failed to put artifact: %w", err)
		}
		s.logger.Info("mirrored artifact", "key", key, "size", size)
		return nil
	}

	if err = s.abortStaleMultipartUploads(ctx, key); err != nil {
		s.logger.Warn("could not abort stale multipart uploads", "key", key, "error", err)
	}
	return s.multipartPut(ctx, f, key, size)
}

func (s *S3ArtifactMirror) multipartPut(ctx context.Context, f *os.File, key string, size int64) (err error) {
	createOut, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		s.logger.Error("failed to create multipart upload", "key", key, "error", err)
		return fmt.Errorf("failed to create multipart upload: %w", err)
	}

	uploadID := *createOut.UploadId

	defer func() {
		if err != nil {
			s.logger.Warn("aborting multipart upload due to error", "upload_id", uploadID, "key", key)
			if abortErr := s.abortMultipartUpload(context.WithoutCancel(ctx), key, uploadID); abortErr != nil {
				s.logger.Error("failed to abort multipart upload", "upload_id", uploadID, "error", abortErr)
			}
		}
	}()

	var completedParts []types.CompletedPart
	var partNumber int32
	for offset := int64(0); offset < size; offset += s.partSize {
		if err = ctx.Err(); err != nil {
			return err
		}
		partNumber++
		length := min(s.partSize, size-offset)

		upOut, upErr := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucketName),
			Key:           aws.String(key),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int32(partNumber),
			Body:          io.NewSectionReader(f, offset, length),
			ContentLength: aws.Int64(length),
		})
		if upErr != nil {
			s.logger.Error("failed to upload part", "part_number", partNumber, "error", upErr)
			err = fmt.Errorf("failed to upload part %d: %w", partNumber, upErr)
			return err
		}

		completedParts = append(completedParts, types.CompletedPart{
			ETag:       upOut.ETag,
			PartNumber: aws.Int32(partNumber),
		})
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucketName),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completedParts,
		},
	})
	if err != nil {
		s.logger.Error("failed to complete multipart upload", "upload_id", uploadID, "key", key, "error", err)
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	s.logger.Info("mirrored artifact", "key", key, "size", size, "parts", len(completedParts))
	return nil
}

func (s *S3ArtifactMirror) abortMultipartUpload(ctx context.Context, key string, uploadID string) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucketName),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	return err
}

func (s *S3ArtifactMirror) abortStaleMultipartUploads(ctx context.Context, key string) error {
	out, err := s.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
		Bucket: aws.String(s.bucketName),
		Prefix: aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to list multipart uploads: %w", err)
	}

	for _, upload := range out.Uploads {
		_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucketName),
			Key:      upload.Key,
			UploadId: upload.UploadId,
		})
		if err != nil {
			s.logger.Error("failed to abort multipart upload", "upload_id", *upload.UploadId, "key", *upload.Key, "error", err)
		}
	}
	return nil
}

// PresignDownload returns a presigned GET URL for key. ok is false when the
// object is not in the bucket.
func (s *S3ArtifactMirror) PresignDownload(ctx context.Context, key string, ttl time.Duration) (url string, ok bool, err error) {
	exists, err := s.objectExists(ctx, key)
	if err != nil || !exists {
		return "", false, err
	}

	presigner := s3.NewPresignClient(s.client)
	presigned, err := presigner.PresignGetObject(
		ctx,
		&s3.GetObjectInput{
			Bucket: aws.String(s.bucketName),
			Key:    aws.String(key),
		},
		s3.WithPresignExpires(ttl),
	)
	if err != nil {
		return "", false, err
	}

	return presigned.URL, true, nil
}

func (s *S3ArtifactMirror) objectExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFound" {
		return false, nil
	}

	return false, fmt.Errorf("failed to check object existence: %w", err)
}
