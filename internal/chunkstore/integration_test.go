//go:build integration

package chunkstore

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
	miniomodule "github.com/testcontainers/testcontainers-go/modules/minio"

	"github.com/openisr/nexus/internal/chunk"
)

// TestReadWriteChunkAgainstMinio spins up a real MinIO container and
// exercises ReadChunk/WriteChunk end to end, adapted from the backend's
// Garage/MinIO end-to-end integration test shape.
func TestReadWriteChunkAgainstMinio(t *testing.T) {
	ctx := context.Background()

	container, err := miniomodule.Run(ctx, "minio/minio:RELEASE.2024-01-16T16-07-38Z",
		miniomodule.WithUsername("nexus"),
		miniomodule.WithPassword("nexus-secret"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := NewClient(ctx, Config{
		Provider:  "minio",
		Endpoint:  "http://" + endpoint,
		Region:    "us-east-1",
		Bucket:    "nexus-chunks",
		AccessKey: "nexus",
		SecretKey: "nexus-secret",
	})
	require.NoError(t, err)

	_, err = client.s3.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String("nexus-chunks")})
	require.NoError(t, err)

	const chunksize = 4096
	plain := make([]byte, chunksize)
	for i := range plain {
		plain[i] = byte(i)
	}

	require.NoError(t, client.WriteChunk(ctx, chunk.ID(1), plain, chunksize))

	out := make([]byte, chunksize)
	require.NoError(t, client.ReadChunk(ctx, chunk.ID(1), out))
	require.Equal(t, plain, out)

	// A never-written chunk reads as zeros.
	zeros := make([]byte, chunksize)
	require.NoError(t, client.ReadChunk(ctx, chunk.ID(2), zeros))
	for _, b := range zeros {
		require.Equal(t, byte(0), b)
	}
}
