package mirror

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"depot/internal/depot"
)

// S3Config holds the connection settings for an S3-compatible mirror.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// S3Mirror replicates finalized transactions into an S3-compatible bucket.
// Each file of a version is stored under <guid>/<hash>/<kind code>, so a
// bucket listing groups replicas by artifact.
type S3Mirror struct {
	name   string
	bucket string
	client *minio.Client
}

// NewS3Mirror builds a client for cfg and ensures the target bucket exists.
// An empty name derives one from the bucket and endpoint.
func NewS3Mirror(ctx context.Context, name string, cfg S3Config) (*S3Mirror, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, depot.Newf(depot.ErrInitialization, "s3 mirror requires an endpoint and a bucket")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, depot.Newf(depot.ErrInitialization, "create s3 client for %q: %w", cfg.Endpoint, err)
	}

	if name == "" {
		name = "s3:" + cfg.Bucket + "@" + cfg.Endpoint
	}

	m := &S3Mirror{name: name, bucket: cfg.Bucket, client: client}
	if err := m.ensureBucket(ctx); err != nil {
		return nil, depot.Newf(depot.ErrInitialization, "ensure bucket %q: %w", cfg.Bucket, err)
	}
	return m, nil
}

func (m *S3Mirror) Name() string { return m.name }

func (m *S3Mirror) ensureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}

	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
	}
	return nil
}

// ObjectKey returns the bucket key for one file of an artifact version.
func ObjectKey(guid depot.ObjectID, hash depot.VersionHash, kind depot.FileKind) string {
	return guid.String() + "/" + hash.String() + "/" + kind.Code()
}

// Replicate materializes the transaction's files into a scratch directory
// and uploads each one under its version key.
func (m *S3Mirror) Replicate(ctx context.Context, trx depot.PutTransaction) error {
	dir, err := os.MkdirTemp("", "depot-mirror-")
	if err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	if _, err := trx.WriteFilesToPath(ctx, dir); err != nil {
		return fmt.Errorf("materialize transaction files: %w", err)
	}

	guid, hash := trx.GUID(), trx.Hash()
	records := trx.Files()
	for _, record := range records {
		local := filepath.Join(dir, depot.ReplicaFileName(guid, hash, record.Kind))
		key := ObjectKey(guid, hash, record.Kind)
		if _, err := m.client.FPutObject(ctx, m.bucket, key, local, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		}); err != nil {
			return fmt.Errorf("upload %q to bucket %q: %w", key, m.bucket, err)
		}
	}

	slog.Info("Replicated transaction to bucket",
		"mirror", m.name,
		"guid", guid,
		"hash", hash,
		"files", len(records),
		"bucket", m.bucket)
	return nil
}

var _ depot.Replicator = (*S3Mirror)(nil)
