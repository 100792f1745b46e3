package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Exporter delivers one approved case downstream and returns its export ref.
type Exporter interface {
	Export(ctx context.Context, c *types.Case) (string, error)
}

// FileExporter writes one workbook per case into a directory.
type FileExporter struct {
	dir string
}

// NewFileExporter creates dir if needed.
func NewFileExporter(dir string) (*FileExporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	return &FileExporter{dir: dir}, nil
}

// Export writes <dir>/<case_id>-<ulid>.xlsx atomically and returns "file:<ulid>".
func (e *FileExporter) Export(ctx context.Context, c *types.Case) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := RenderWorkbook(c)
	if err != nil {
		return "", err
	}

	ref, id := newRef("file")
	final := filepath.Join(e.dir, fmt.Sprintf("%s-%s.xlsx", c.ID, id))
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write workbook: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("rename workbook: %w", err)
	}
	return ref, nil
}

// PutObjectAPI is the slice of the S3 client the exporter needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config selects the bucket and credentials for S3Exporter.
type S3Config struct {
	Bucket          string
	Region          string
	Prefix          string
	Endpoint        string // optional, for S3-compatible stores
	AccessKeyID     string
	SecretAccessKey string
}

// S3Exporter uploads one workbook per case.
type S3Exporter struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// NewS3Exporter wraps an existing client.
func NewS3Exporter(client PutObjectAPI, bucket, prefix string) *S3Exporter {
	return &S3Exporter{client: client, bucket: bucket, prefix: prefix}
}

// NewS3ExporterFromConfig loads AWS configuration (static keys when given,
// otherwise the default chain) and builds an S3 client.
func NewS3ExporterFromConfig(ctx context.Context, cfg S3Config) (*S3Exporter, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3Exporter(client, cfg.Bucket, cfg.Prefix), nil
}

// Export uploads <prefix>/<case_id>/<ulid>.xlsx and returns "s3:<ulid>".
func (e *S3Exporter) Export(ctx context.Context, c *types.Case) (string, error) {
	data, err := RenderWorkbook(c)
	if err != nil {
		return "", err
	}

	ref, id := newRef("s3")
	key := path.Join(e.prefix, string(c.ID), id+".xlsx")
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(xlsxContentType),
		Metadata: map[string]string{
			"case-id":    string(c.ID),
			"export-ref": ref,
		},
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return ref, nil
}
