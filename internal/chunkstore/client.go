// Package chunkstore implements the backing-store interface spec.md §6
// describes the engine driving: aligned reads and writes of one chunk
// at a time, against a byte-addressed object store indexed by chunk
// number. This implementation targets any S3-compatible provider.
package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/openisr/nexus/internal/chunk"
)

// Config configures a Client's connection to the backing bucket.
type Config struct {
	Provider  string
	Endpoint  string
	Region    string
	Bucket    string
	KeyPrefix string
	AccessKey string
	SecretKey string
}

// Client implements statemachine.BackingStore against an S3-compatible
// bucket, one object per chunk.
type Client struct {
	s3     *s3.Client
	bucket string
	prefix string
}

// NewClient resolves cfg's provider defaults and dials the S3 client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	endpoint, region, err := ResolveEndpoint(cfg.Endpoint, cfg.Provider, cfg.Region)
	if err != nil {
		return nil, err
	}
	if err := ValidateEndpoint(endpoint); err != nil {
		return nil, err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("chunkstore: load AWS config: %w", err)
	}

	pathStyle := RequiresPathStyleAddressing(cfg.Provider)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = pathStyle
	})

	return &Client{s3: client, bucket: cfg.Bucket, prefix: cfg.KeyPrefix}, nil
}

// objectKey is the fixed, sortable object name for a chunk.
func (c *Client) objectKey(cid chunk.ID) string {
	return fmt.Sprintf("%s%020d", c.prefix, uint64(cid))
}

// ReadChunk fetches the object for cid into buf, which must be exactly
// chunksize bytes; a chunk never previously written reads as zeros
// (matching a freshly-provisioned backing block device).
func (c *Client) ReadChunk(ctx context.Context, cid chunk.ID, buf []byte) error {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(cid)),
	})
	if err != nil {
		if isNotFound(err) {
			for i := range buf {
				buf[i] = 0
			}
			return nil
		}
		return fmt.Errorf("chunkstore: get chunk %d: %w", uint64(cid), err)
	}
	defer out.Body.Close()

	n, err := io.ReadFull(out.Body, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return fmt.Errorf("chunkstore: read chunk %d body: %w", uint64(cid), err)
	}
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return nil
}

// WriteChunk stores buf[:length] as the object for cid, overwriting
// whatever was there.
func (c *Client) WriteChunk(ctx context.Context, cid chunk.ID, buf []byte, length int) error {
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(cid)),
		Body:   bytes.NewReader(buf[:length]),
	})
	if err != nil {
		return fmt.Errorf("chunkstore: put chunk %d: %w", uint64(cid), err)
	}
	return nil
}

// isNotFound reports whether err is an S3 "no such key" response.
func isNotFound(err error) bool {
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "NoSuchKey" || apiErr.ErrorCode() == "NotFound"
	}
	return false
}
