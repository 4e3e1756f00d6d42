package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"fluentbuilder/internal/core"
)

// Sink stores an assembled bundle and returns where it went.
type Sink interface {
	Publish(ctx context.Context, b *Bundle) (string, error)
}

// DiskWriter writes bundles below Root.
type DiskWriter struct {
	Root   string
	Logger zerolog.Logger
}

// NewDiskWriter returns a writer rooted at root.
func NewDiskWriter(root string, logger zerolog.Logger) *DiskWriter {
	return &DiskWriter{Root: root, Logger: logger}
}

// Publish writes every file of b to Root/<b.Dir>/. Each file is replaced
// atomically; a failure part way leaves earlier files in place.
func (w *DiskWriter) Publish(ctx context.Context, b *Bundle) (string, error) {
	dir := filepath.Join(w.Root, b.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", core.Wrap(core.StageArtifacts, core.ErrArtifactWrite, err, "creating %s", dir)
	}
	for _, a := range b.Files.Artifacts {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		p := filepath.Join(dir, filepath.FromSlash(a.Path))
		if err := core.WriteFileAtomic(p, a.Content, 0o644); err != nil {
			return "", core.Wrap(core.StageArtifacts, core.ErrArtifactWrite, err, "writing %s", p)
		}
	}
	w.Logger.Debug().Str("stage", string(core.StageArtifacts)).Str("dir", dir).
		Int("files", len(b.Files.Artifacts)).Msg("artifacts written")
	return dir, nil
}

// S3Config locates an S3-compatible bucket.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Enabled reports whether an endpoint is configured at all.
func (c S3Config) Enabled() bool { return strings.TrimSpace(c.Endpoint) != "" }

// S3Sink uploads bundles to <bucket>/<contract>/<rwasm hash>/<file>.
type S3Sink struct {
	client   *minio.Client
	bucket   string
	region   string
	initOnce sync.Once
	initErr  error
	logger   zerolog.Logger
}

// NewS3Sink validates cfg and builds a client. No request is made until
// the first Publish.
func NewS3Sink(cfg S3Config, logger zerolog.Logger) (*S3Sink, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, core.Failf(core.StageConfig, core.ErrConfigInvalid, "s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, core.Failf(core.StageConfig, core.ErrConfigInvalid, "s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, core.Failf(core.StageConfig, core.ErrConfigInvalid, "s3 bucket is required")
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
		return nil, core.Wrap(core.StageConfig, core.ErrConfigInvalid, err, "init s3 client")
	}
	return &S3Sink{client: client, bucket: bucket, region: region, logger: logger}, nil
}

func (s *S3Sink) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

// Publish uploads every file of b and returns the object prefix.
func (s *S3Sink) Publish(ctx context.Context, b *Bundle) (string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return "", core.Wrap(core.StageArtifacts, core.ErrArtifactWrite, err, "ensure bucket %s", s.bucket)
	}
	prefix := objectPrefix(b)
	for _, a := range b.Files.Artifacts {
		key := path.Join(prefix, a.Path)
		_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(a.Content), int64(len(a.Content)), minio.PutObjectOptions{
			ContentType: contentType(a.Path),
		})
		if err != nil {
			return "", core.Wrap(core.StageArtifacts, core.ErrArtifactWrite, err, "uploading %s", key)
		}
	}
	location := fmt.Sprintf("s3://%s/%s/", s.bucket, prefix)
	s.logger.Info().Str("stage", string(core.StageArtifacts)).Str("location", location).Msg("artifacts published")
	return location, nil
}

func objectPrefix(b *Bundle) string {
	name := strings.TrimSuffix(b.Dir, ".wasm")
	return name + "/" + b.RwasmHash
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".json":
		return "application/json"
	case ".sol":
		return "text/plain; charset=utf-8"
	case ".gz":
		return "application/gzip"
	case ".zip":
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
