package stream

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"change-events/internal/models"
)

// FileSource replays stream event files, one burst per file
type FileSource struct {
	paths  []string
	next   int
	logger *logrus.Logger
}

// NewFileSource creates a source reading paths in order
func NewFileSource(paths []string, logger *logrus.Logger) *FileSource {
	return &FileSource{
		paths:  paths,
		logger: logger,
	}
}

// Next decodes the next file. It returns io.EOF after the last one.
func (s *FileSource) Next(ctx context.Context) ([]models.ChangeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.paths) {
		return nil, io.EOF
	}

	path := s.paths[s.next]
	s.next++

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream event file: %w", err)
	}
	records, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	s.logger.Infof("Read %d stream records from %s", len(records), path)
	return records, nil
}

// Ack is a no-op; files are replayed from the start on every run
func (s *FileSource) Ack() error {
	return nil
}

// Close releases nothing
func (s *FileSource) Close() error {
	return nil
}
