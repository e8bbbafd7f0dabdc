package storage

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// BlobStore owns the two parallel image directories: full-resolution
// captures and thumbnails, keyed by a shared filename per capture.
type BlobStore struct {
	fullDir    string
	thumbDir   string
	thumbWidth int
	logger     *zap.Logger
}

// NewBlobStore creates the fullres/ and thumbs/ directories under dataDir.
func NewBlobStore(dataDir string, thumbWidth int, logger *zap.Logger) (*BlobStore, error) {
	bs := &BlobStore{
		fullDir:    filepath.Join(dataDir, "fullres"),
		thumbDir:   filepath.Join(dataDir, "thumbs"),
		thumbWidth: thumbWidth,
		logger:     logger,
	}
	for _, dir := range []string{bs.fullDir, bs.thumbDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create blob directory %s: %w", dir, err)
		}
	}
	return bs, nil
}

// Save writes the full-resolution image and its thumbnail under the
// shared filename and returns both paths. A failed thumbnail falls back
// to the full-resolution bytes so the pair of directories stays parallel.
func (bs *BlobStore) Save(fileName string, imageBytes []byte) (string, string, error) {
	fullPath := filepath.Join(bs.fullDir, fileName)
	if err := os.WriteFile(fullPath, imageBytes, 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write image blob: %w", err)
	}

	thumbPath := filepath.Join(bs.thumbDir, fileName)
	thumbBytes, err := bs.makeThumbnail(imageBytes)
	if err != nil {
		bs.logger.Warn("Thumbnail generation failed, storing full image",
			zap.String("file", fileName),
			zap.Error(err),
		)
		thumbBytes = imageBytes
	}
	if err := os.WriteFile(thumbPath, thumbBytes, 0o644); err != nil {
		os.Remove(fullPath)
		return "", "", fmt.Errorf("failed to write thumbnail blob: %w", err)
	}

	return fullPath, thumbPath, nil
}

// Remove deletes both blobs best-effort; failures are logged, never
// propagated.
func (bs *BlobStore) Remove(imagePath, thumbPath string) {
	for _, path := range []string{imagePath, thumbPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			bs.logger.Warn("Failed to delete blob",
				zap.String("path", path),
				zap.Error(err),
			)
		}
	}
}

func (bs *BlobStore) makeThumbnail(imageBytes []byte) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := src.Bounds()
	if bounds.Dx() <= bs.thumbWidth {
		return imageBytes, nil
	}

	width := bs.thumbWidth
	height := bounds.Dy() * width / bounds.Dx()
	if height < 1 {
		height = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		srcY := bounds.Min.Y + y*bounds.Dy()/height
		for x := 0; x < width; x++ {
			srcX := bounds.Min.X + x*bounds.Dx()/width
			dst.Set(x, y, src.At(srcX, srcY))
		}
	}

	var out bytes.Buffer
	if err := png.Encode(&out, dst); err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return out.Bytes(), nil
}
