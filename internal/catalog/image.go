package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"catalog-task-pipeline/internal/config"
)

var (
	ErrImageTooLarge = errors.New("image too large")
	ErrBadImage      = errors.New("unreadable image")
)

// Uploader stores an encoded asset and returns its public location.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// ImageIngestor normalizes product images to a bounded width and uploads
// them to the asset host.
type ImageIngestor struct {
	maxBytes int64
	maxWidth int
	uploader Uploader
}

// NewImageIngestor uploads to S3 when IMAGE_S3_BUCKET is set and to
// IMAGE_OUTPUT_DIR otherwise.
func NewImageIngestor(ctx context.Context, cfg config.Config) (*ImageIngestor, error) {
	var up Uploader
	if cfg.ImageS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		up = &S3Uploader{client: client, bucket: cfg.ImageS3Bucket}
	} else {
		baseDir := cfg.ImageOutputDir
		if baseDir == "" {
			baseDir = "./output"
		}
		up = &LocalUploader{BaseDir: baseDir, URLPrefix: "/assets"}
	}
	return NewImageIngestorWith(up, cfg.ImageMaxBytes, cfg.ImageMaxWidth), nil
}

func NewImageIngestorWith(up Uploader, maxBytes int64, maxWidth int) *ImageIngestor {
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	return &ImageIngestor{maxBytes: maxBytes, maxWidth: maxWidth, uploader: up}
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ImageS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ImageS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ImageS3Endpoint)
		}
		o.UsePathStyle = cfg.ImageS3PathStyle
	}), nil
}

// Ingest reads, normalizes and uploads one image.
func (i *ImageIngestor) Ingest(ctx context.Context, filename string, r io.Reader) (Image, error) {
	data, err := io.ReadAll(io.LimitReader(r, i.maxBytes+1))
	if err != nil {
		return Image{}, fmt.Errorf("read image: %w", err)
	}
	if int64(len(data)) > i.maxBytes {
		return Image{}, fmt.Errorf("%w (>%d bytes)", ErrImageTooLarge, i.maxBytes)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Image{}, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	if i.maxWidth > 0 && img.Bounds().Dx() > i.maxWidth {
		img = imaging.Resize(img, i.maxWidth, 0, imaging.Lanczos)
	}

	out := chooseFormat(filename, format)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, out, imaging.JPEGQuality(85)); err != nil {
		return Image{}, fmt.Errorf("encode image: %w", err)
	}

	key := fmt.Sprintf("products/%s.%s", uuid.NewString(), formatExtension(out))
	url, err := i.uploader.Upload(ctx, key, buf.Bytes(), mimeForFormat(out))
	if err != nil {
		return Image{}, fmt.Errorf("upload: %w", err)
	}
	return Image{URL: url, PublicID: key}, nil
}

// chooseFormat keeps PNG sources lossless and turns everything else into JPEG.
func chooseFormat(filename, decoded string) imaging.Format {
	if strings.EqualFold(filepath.Ext(filename), ".png") || decoded == "png" {
		return imaging.PNG
	}
	return imaging.JPEG
}

func formatExtension(format imaging.Format) string {
	if format == imaging.PNG {
		return "png"
	}
	return "jpg"
}

func mimeForFormat(format imaging.Format) string {
	if format == imaging.PNG {
		return "image/png"
	}
	return "image/jpeg"
}

// LocalUploader writes assets under BaseDir and reports them under URLPrefix.
type LocalUploader struct {
	BaseDir   string
	URLPrefix string
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	key = sanitizeKey(key)
	path := filepath.Join(l.BaseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return strings.TrimRight(l.URLPrefix, "/") + "/" + filepath.ToSlash(key), nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type S3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
