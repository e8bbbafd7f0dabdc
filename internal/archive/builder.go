package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"studytrace/recorder-agent/internal/models"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"
)

// Builder packages an export payload (metadata + artifact blobs) into a
// temporary zip file. The caller owns the file and must remove it after
// the transfer attempt, success or failure.
type Builder struct {
	logger *zap.Logger
}

// NewBuilder creates an archive builder.
func NewBuilder(logger *zap.Logger) *Builder {
	return &Builder{logger: logger}
}

// Build writes metadata.json and every screenshot blob into a fresh
// temp archive and returns its path and size. A missing blob is logged
// and skipped rather than failing the whole archive.
func (b *Builder) Build(meta *models.UploadMetadata, shots []models.Screenshot) (string, int64, error) {
	tmp, err := os.CreateTemp("", "session-*.zip")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create archive file: %w", err)
	}

	zw := zip.NewWriter(tmp)
	if err := b.writeEntries(zw, meta, shots); err != nil {
		zw.Close()
		tmp.Close()
		os.Remove(tmp.Name())
		return "", 0, err
	}

	if err := zw.Close(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("failed to finalize archive: %w", err)
	}

	info, err := tmp.Stat()
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("failed to stat archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", 0, fmt.Errorf("failed to close archive: %w", err)
	}

	b.logger.Debug("Archive built",
		zap.String("path", tmp.Name()),
		zap.Int64("size_bytes", info.Size()),
		zap.Int("screenshots", len(shots)),
	)
	return tmp.Name(), info.Size(), nil
}

func (b *Builder) writeEntries(zw *zip.Writer, meta *models.UploadMetadata, shots []models.Screenshot) error {
	metaEntry, err := zw.Create("metadata.json")
	if err != nil {
		return fmt.Errorf("failed to create metadata entry: %w", err)
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if _, err := metaEntry.Write(metaBytes); err != nil {
		return fmt.Errorf("failed to write metadata entry: %w", err)
	}

	for _, shot := range shots {
		src, err := os.Open(shot.ImagePath)
		if err != nil {
			b.logger.Warn("Skipping missing screenshot blob",
				zap.String("id", shot.ID),
				zap.String("path", shot.ImagePath),
				zap.Error(err),
			)
			continue
		}
		entry, err := zw.Create("screenshots/" + shot.FileName())
		if err != nil {
			src.Close()
			return fmt.Errorf("failed to create screenshot entry: %w", err)
		}
		if _, err := io.Copy(entry, src); err != nil {
			src.Close()
			return fmt.Errorf("failed to write screenshot entry: %w", err)
		}
		src.Close()
	}
	return nil
}
