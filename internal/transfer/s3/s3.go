// Package s3 delivers artifacts through S3 multipart uploads. A chunk maps to
// one part; re-uploading a part number replaces the earlier copy.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/italolelis/media_relay/internal/logctx"
	"github.com/italolelis/media_relay/internal/transfer"
)

const (
	// maxParts is the S3 limit on parts per upload.
	maxParts = 10000
	// minPartSize is the smallest size S3 accepts for every part but the last.
	minPartSize = 5 * 1024 * 1024
)

type Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	Prefix       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

type Destination struct {
	client s3iface.S3API
	bucket string
	prefix string
}

func New(cfg Config) (*Destination, error) {
	awsCfg := &aws.Config{
		Region: aws.String(cfg.Region),
	}

	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
	}

	if cfg.UsePathStyle {
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}

	return NewWithClient(s3.New(sess), cfg.Bucket, cfg.Prefix), nil
}

func NewWithClient(client s3iface.S3API, bucket, prefix string) *Destination {
	return &Destination{client: client, bucket: bucket, prefix: prefix}
}

func (d *Destination) Name() string {
	return "s3"
}

func (d *Destination) Begin(ctx context.Context, target transfer.Target) (transfer.Session, error) {
	if target.ChunkCount > maxParts {
		return nil, &transfer.RejectedError{
			Name:   target.Name,
			Reason: fmt.Sprintf("%d chunks exceed the %d part limit", target.ChunkCount, maxParts),
		}
	}

	if target.ChunkCount > 1 && target.ChunkSize < minPartSize {
		return nil, &transfer.RejectedError{
			Name:   target.Name,
			Reason: fmt.Sprintf("chunk size %d is below the %d byte multipart minimum", target.ChunkSize, minPartSize),
		}
	}

	if err := target.CheckSegments(); err != nil {
		return nil, err
	}

	key := path.Join(d.prefix, target.UserID, target.JobID+"-"+path.Base(target.Name))
	if prefix := path.Clean(d.prefix); d.prefix != "" && !strings.HasPrefix(key, prefix+"/") {
		return nil, &transfer.RejectedError{Name: target.Name, Reason: fmt.Sprintf("key %s escapes prefix %s", key, prefix)}
	}

	out, err := d.client.CreateMultipartUploadWithContext(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(target.ContentType),
		Metadata: map[string]*string{
			"job-id":  aws.String(target.JobID),
			"user-id": aws.String(target.UserID),
		},
	})
	if err != nil {
		return nil, wrapError("create_multipart_upload", err)
	}

	return &upload{
		client:   d.client,
		bucket:   d.bucket,
		key:      key,
		uploadID: aws.StringValue(out.UploadId),
		etags:    make(map[int64]string, target.ChunkCount),
	}, nil
}

type upload struct {
	client   s3iface.S3API
	bucket   string
	key      string
	uploadID string

	mu    sync.Mutex
	etags map[int64]string
}

func (u *upload) UploadChunk(ctx context.Context, chunk transfer.Chunk) error {
	partNumber := int64(chunk.Index) + 1

	out, err := u.client.UploadPartWithContext(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(u.key),
		UploadId:      aws.String(u.uploadID),
		PartNumber:    aws.Int64(partNumber),
		Body:          bytes.NewReader(chunk.Data),
		ContentLength: aws.Int64(int64(len(chunk.Data))),
	})
	if err != nil {
		return wrapError("upload_part", err)
	}

	u.mu.Lock()
	u.etags[partNumber] = aws.StringValue(out.ETag)
	u.mu.Unlock()

	return nil
}

func (u *upload) Assemble(ctx context.Context, chunkCount int) error {
	u.mu.Lock()

	parts := make([]*s3.CompletedPart, 0, len(u.etags))
	for n, etag := range u.etags {
		parts = append(parts, &s3.CompletedPart{PartNumber: aws.Int64(n), ETag: aws.String(etag)})
	}

	u.mu.Unlock()

	if len(parts) != chunkCount {
		return &transfer.RejectedError{
			Name:   u.key,
			Reason: fmt.Sprintf("%d of %d parts uploaded", len(parts), chunkCount),
		}
	}

	sort.Slice(parts, func(i, j int) bool {
		return aws.Int64Value(parts[i].PartNumber) < aws.Int64Value(parts[j].PartNumber)
	})

	_, err := u.client.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(u.bucket),
		Key:             aws.String(u.key),
		UploadId:        aws.String(u.uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return wrapError("complete_multipart_upload", err)
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "artifact delivered", "bucket", u.bucket, "key", u.key)

	return nil
}

func (u *upload) Abort(ctx context.Context) error {
	_, err := u.client.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.bucket),
		Key:      aws.String(u.key),
		UploadId: aws.String(u.uploadID),
	})
	if err != nil {
		return wrapError("abort_multipart_upload", err)
	}

	return nil
}

func wrapError(operation string, err error) error {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		return transfer.HTTPError(operation, reqErr.StatusCode(), reqErr.Message(), err)
	}

	var awsErr awserr.Error
	if errors.As(err, &awsErr) && awsErr.Code() == s3.ErrCodeNoSuchUpload {
		return transfer.HTTPError(operation, http.StatusNotFound, awsErr.Message(), err)
	}

	return &transfer.NetworkError{Operation: operation, APIMessage: err.Error(), Err: err}
}
