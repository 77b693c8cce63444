package output

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/image/bmp"

	"github.com/bryanchriswhite/FrameGrab/internal/frame"
	"github.com/bryanchriswhite/FrameGrab/internal/logger"
)

// SaveRecord describes the outcome of the most recent save
type SaveRecord struct {
	Count    uint64    `json:"count"`
	Path     string    `json:"path,omitempty"`
	SourceID uint64    `json:"source_id"`
	At       time.Time `json:"at"`
	Error    string    `json:"error,omitempty"`
}

// FileSaver writes snapshot frames to disk as BMP
type FileSaver struct {
	dir string

	mu   sync.Mutex
	last SaveRecord
	now  func() time.Time
}

// NewFileSaver saves into dir, created on first save
func NewFileSaver(dir string) *FileSaver {
	return &FileSaver{dir: dir, now: time.Now}
}

// Dir returns the target directory
func (s *FileSaver) Dir() string {
	return s.dir
}

// Save writes f as dir/frame-<source id>-<capture time>.bmp. Mono frames
// are stored as 8-bit grayscale, RGB24 frames as 24-bit color.
func (s *FileSaver) Save(f *frame.ConvertedFrame) (string, error) {
	path, err := s.write(f)

	s.mu.Lock()
	s.last = SaveRecord{
		Count:    s.last.Count + 1,
		Path:     path,
		SourceID: f.SourceID,
		At:       s.now(),
	}
	if err != nil {
		s.last.Error = err.Error()
	}
	s.mu.Unlock()

	log := logger.WithComponent("output")
	if err != nil {
		log.Error().Err(err).Uint64("frame_id", f.SourceID).Msg("Failed to save frame")
		return "", err
	}
	log.Info().Str("path", path).Uint64("frame_id", f.SourceID).Msg("Frame saved")
	return path, nil
}

func (s *FileSaver) write(f *frame.ConvertedFrame) (string, error) {
	if len(f.Data) < f.Size() {
		return "", fmt.Errorf("frame %d has %d bytes, want %d", f.SourceID, len(f.Data), f.Size())
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create save directory: %w", err)
	}

	ts := f.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	name := fmt.Sprintf("frame-%06d-%s.bmp", f.SourceID, ts.Format("20060102-150405.000"))
	path := filepath.Join(s.dir, name)

	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := bmp.Encode(file, f.Image()); err != nil {
		file.Close()
		os.Remove(path)
		return "", fmt.Errorf("failed to encode BMP: %w", err)
	}
	if err := file.Close(); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// Last returns the most recent save outcome
func (s *FileSaver) Last() SaveRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
