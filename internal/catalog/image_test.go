package catalog

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"catalog-task-pipeline/internal/config"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 255, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestIngest_LocalResize(t *testing.T) {
	tempDir := t.TempDir()
	cfg := config.Config{
		ImageOutputDir: tempDir,
		ImageMaxBytes:  2 * 1024 * 1024,
		ImageMaxWidth:  5,
	}
	ingestor, err := NewImageIngestor(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new image ingestor: %v", err)
	}

	img, err := ingestor.Ingest(context.Background(), "red.png", bytes.NewReader(encodePNG(t, 10, 10)))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !strings.HasPrefix(img.URL, "/assets/products/") || !strings.HasSuffix(img.URL, ".png") {
		t.Fatalf("unexpected url %q", img.URL)
	}

	data, err := os.ReadFile(filepath.Join(tempDir, img.PublicID))
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	out, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if format != "png" {
		t.Fatalf("expected png output, got %s", format)
	}
	if out.Bounds().Dx() != 5 || out.Bounds().Dy() != 5 {
		t.Fatalf("expected 5x5, got %v", out.Bounds())
	}
}

func TestIngest_SmallImageKeepsSizeAndJPEG(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 3, 2))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}

	tempDir := t.TempDir()
	ingestor := NewImageIngestorWith(&LocalUploader{BaseDir: tempDir, URLPrefix: "/assets"}, 1<<20, 100)
	img, err := ingestor.Ingest(context.Background(), "photo.jpeg", &buf)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if !strings.HasSuffix(img.PublicID, ".jpg") {
		t.Fatalf("expected jpg key, got %q", img.PublicID)
	}
	data, err := os.ReadFile(filepath.Join(tempDir, img.PublicID))
	if err != nil {
		t.Fatalf("output not written: %v", err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if cfg.Width != 3 || cfg.Height != 2 {
		t.Fatalf("expected 3x2, got %dx%d", cfg.Width, cfg.Height)
	}
}

func TestIngest_Rejects(t *testing.T) {
	ingestor := NewImageIngestorWith(&LocalUploader{BaseDir: t.TempDir()}, 16, 0)

	_, err := ingestor.Ingest(context.Background(), "big.png", bytes.NewReader(encodePNG(t, 50, 50)))
	if !errors.Is(err, ErrImageTooLarge) {
		t.Fatalf("expected ErrImageTooLarge, got %v", err)
	}

	_, err = ingestor.Ingest(context.Background(), "junk.png", strings.NewReader("not an image"))
	if !errors.Is(err, ErrBadImage) {
		t.Fatalf("expected ErrBadImage, got %v", err)
	}
}

func TestLocalUploader_ConfinesKeys(t *testing.T) {
	dir := t.TempDir()
	up := &LocalUploader{BaseDir: dir, URLPrefix: "/assets/"}
	url, err := up.Upload(context.Background(), "/products/a.png", []byte("x"), "image/png")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if url != "/assets/products/a.png" {
		t.Fatalf("unexpected url %q", url)
	}
	if _, err := os.Stat(filepath.Join(dir, "products", "a.png")); err != nil {
		t.Fatalf("expected file under base dir: %v", err)
	}
}
