package archive

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"aiminigames/sessionsync/internal/game"
	"aiminigames/sessionsync/internal/session"
)

// ErrUnsupportedVersion reports a bundle written by a newer layout.
var ErrUnsupportedVersion = errors.New("archive: unsupported bundle version")

// Load rehydrates a full record from a bundle directory.
func Load(dir string) (session.Record, Manifest, error) {
	if dir == "" {
		return session.Record{}, Manifest{}, fmt.Errorf("bundle path must be provided")
	}
	var manifest Manifest
	if err := readJSON(filepath.Join(dir, ManifestFile), &manifest); err != nil {
		return session.Record{}, Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	if manifest.Version != bundleVersion {
		return session.Record{}, manifest, fmt.Errorf("%w: %d", ErrUnsupportedVersion, manifest.Version)
	}
	var record session.Record
	if err := readJSON(filepath.Join(dir, manifest.RecordPath), &record); err != nil {
		return session.Record{}, manifest, fmt.Errorf("read record: %w", err)
	}
	history, err := readHistory(filepath.Join(dir, manifest.HistoryPath))
	if err != nil {
		return session.Record{}, manifest, fmt.Errorf("read history: %w", err)
	}
	final, err := readFinal(filepath.Join(dir, manifest.FinalPath))
	if err != nil {
		return session.Record{}, manifest, fmt.Errorf("read final payload: %w", err)
	}
	record.History = history
	record.FinalPayload = final
	return record, manifest, nil
}

// List returns the bundle directories under root, oldest name first.
func List(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var bundles []string
	for _, entry := range entries {
		if !entry.IsDir() || isStaging(entry.Name()) {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, entry.Name(), ManifestFile)); err != nil {
			continue
		}
		bundles = append(bundles, filepath.Join(root, entry.Name()))
	}
	sort.Strings(bundles)
	return bundles, nil
}

func readJSON(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func readHistory(path string) ([]game.Committed, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var history []game.Committed
	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var committed game.Committed
		if err := json.Unmarshal(line, &committed); err != nil {
			return nil, err
		}
		//1.- Lines must be strictly ordered by revision.
		if n := len(history); n > 0 && committed.Revision <= history[n-1].Revision {
			return nil, fmt.Errorf("history out of order at revision %d", committed.Revision)
		}
		history = append(history, committed)
	}
	return history, scanner.Err()
}

func readFinal(path string) (json.RawMessage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()
	data, err := io.ReadAll(decoder)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	return json.RawMessage(data), nil
}
