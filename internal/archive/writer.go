// Package archive persists ended sessions as compressed on-disk bundles.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"aiminigames/sessionsync/internal/logging"
	"aiminigames/sessionsync/internal/session"
)

var idCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Bundle file names.
const (
	ManifestFile = "manifest.json"
	RecordFile   = "record.json"
	HistoryFile  = "history.jsonl.sz"
	FinalFile    = "final.json.zst"
)

const bundleVersion = 1

// Manifest describes the bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version     int    `json:"version"`
	SessionID   string `json:"session_id"`
	CreatedAt   string `json:"created_at"`
	Revision    uint64 `json:"revision"`
	Entries     int    `json:"history_entries"`
	RecordPath  string `json:"record_path"`
	HistoryPath string `json:"history_path"`
	FinalPath   string `json:"final_path"`
}

// Writer stores one bundle directory per ended session under root.
type Writer struct {
	root   string
	now    func() time.Time
	logger *logging.Logger
}

// NewWriter prepares the archive root.
func NewWriter(root string, logger *logging.Logger) (*Writer, error) {
	if root == "" {
		return nil, fmt.Errorf("archive root must be provided")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Writer{root: root, now: time.Now, logger: logger.Named("archive")}, nil
}

// Root exposes the directory holding every bundle.
func (w *Writer) Root() string { return w.root }

// BundleName derives the directory name for record.
func BundleName(record session.Record) string {
	cleaned := idCleaner.ReplaceAllString(record.ID, "")
	if cleaned == "" {
		cleaned = "session"
	}
	return fmt.Sprintf("%s-%s", cleaned, record.EndedAt.UTC().Format("20060102T150405Z"))
}

// Persist implements session.RecordSink. The bundle is staged in a temp directory
// and renamed into place so readers never observe a partial bundle.
func (w *Writer) Persist(ctx context.Context, record session.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	final := filepath.Join(w.root, BundleName(record))
	staging, err := os.MkdirTemp(w.root, ".staging-")
	if err != nil {
		return err
	}
	if err := w.writeBundle(staging, record); err != nil {
		os.RemoveAll(staging)
		return err
	}
	if err := os.RemoveAll(final); err != nil {
		os.RemoveAll(staging)
		return err
	}
	if err := os.Rename(staging, final); err != nil {
		os.RemoveAll(staging)
		return err
	}
	w.logger.Info("session archived",
		logging.String("session_id", record.ID),
		logging.String("path", final),
		logging.Uint64("revision", record.Revision),
	)
	return nil
}

func (w *Writer) writeBundle(dir string, record session.Record) error {
	//1.- The history log is JSON lines through a buffered snappy stream.
	if err := writeHistory(filepath.Join(dir, HistoryFile), record); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	//2.- The final payload is a single zstd frame.
	if err := writeFinal(filepath.Join(dir, FinalFile), record.FinalPayload); err != nil {
		return fmt.Errorf("write final payload: %w", err)
	}
	//3.- The record itself omits the bulky fields stored alongside it.
	summary := record
	summary.History = nil
	summary.FinalPayload = nil
	if err := writeJSON(filepath.Join(dir, RecordFile), summary); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	manifest := Manifest{
		Version:     bundleVersion,
		SessionID:   record.ID,
		CreatedAt:   w.now().UTC().Format(time.RFC3339Nano),
		Revision:    record.Revision,
		Entries:     len(record.History),
		RecordPath:  RecordFile,
		HistoryPath: HistoryFile,
		FinalPath:   FinalFile,
	}
	return writeJSON(filepath.Join(dir, ManifestFile), manifest)
}

func writeHistory(path string, record session.Record) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	stream := snappy.NewBufferedWriter(file)
	encoder := json.NewEncoder(stream)
	for _, committed := range record.History {
		if err := encoder.Encode(committed); err != nil {
			stream.Close()
			file.Close()
			return err
		}
	}
	if err := stream.Close(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func writeFinal(path string, payload json.RawMessage) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	encoder, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return err
	}
	if _, err := encoder.Write(payload); err != nil {
		encoder.Close()
		file.Close()
		return err
	}
	if err := encoder.Close(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

var _ session.RecordSink = (*Writer)(nil)
