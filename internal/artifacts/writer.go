// Package artifacts writes per-run output files under a root directory:
// <root>/<run_id>/{book.md, book.json, qa.json, kg_section_ids.json,
// book_id.txt, logs.ndjson}.
package artifacts

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Well-known artifact names.
const (
	BookMarkdown = "book.md"
	BookJSON     = "book.json"
	QAJSON       = "qa.json"
	SectionIDs   = "kg_section_ids.json"
	BookID       = "book_id.txt"
	Logs         = "logs.ndjson"
)

// Entry describes one artifact file.
type Entry struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	Type     string    `json:"type"`
}

// Manifest lists a run's artifacts sorted by name.
type Manifest struct {
	RunID   string  `json:"run_id"`
	Dir     string  `json:"dir"`
	Entries []Entry `json:"entries"`
}

// Names returns the artifact names in the manifest.
func (m Manifest) Names() []string {
	names := make([]string, 0, len(m.Entries))
	for _, e := range m.Entries {
		names = append(names, e.Name)
	}
	return names
}

// Writer stores artifacts on the local file system.
type Writer struct {
	root string

	logMu sync.Mutex
}

// NewWriter returns a Writer rooted at root.
func NewWriter(root string) *Writer {
	return &Writer{root: root}
}

// Root returns the root directory.
func (w *Writer) Root() string {
	return w.root
}

// Dir returns the directory holding runID's artifacts.
func (w *Writer) Dir(runID string) (string, error) {
	if err := validateName(runID); err != nil {
		return "", err
	}
	return filepath.Join(w.root, runID), nil
}

// Write stores files for runID. Each file is written to a temporary file in
// the run directory and renamed into place, so readers never see partial
// content.
func (w *Writer) Write(runID string, files map[string][]byte) (Manifest, error) {
	dir, err := w.Dir(runID)
	if err != nil {
		return Manifest{}, err
	}
	for name := range files {
		if err := validateName(name); err != nil {
			return Manifest{}, err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Manifest{}, fmt.Errorf("failed to create run directory: %w", err)
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := writeAtomic(dir, name, files[name]); err != nil {
			return Manifest{}, err
		}
	}
	return w.List(runID)
}

// WriteJSON is Write for a single value encoded as indented JSON.
func (w *Writer) WriteJSON(runID, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	_, err = w.Write(runID, map[string][]byte{name: data})
	return err
}

func writeAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to rename %s: %w", name, err)
	}
	return nil
}

// List returns the artifacts of runID. Temporary files are skipped.
func (w *Writer) List(runID string) (Manifest, error) {
	dir, err := w.Dir(runID)
	if err != nil {
		return Manifest{}, err
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Manifest{}, &NotFoundError{RunID: runID}
		}
		return Manifest{}, fmt.Errorf("failed to list artifacts: %w", err)
	}

	manifest := Manifest{RunID: runID, Dir: dir, Entries: []Entry{}}
	for _, de := range dirEntries {
		if de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		manifest.Entries = append(manifest.Entries, Entry{
			Name:     de.Name(),
			Size:     info.Size(),
			Modified: info.ModTime().UTC(),
			Type:     FileType(de.Name()),
		})
	}
	sort.Slice(manifest.Entries, func(i, j int) bool {
		return manifest.Entries[i].Name < manifest.Entries[j].Name
	})
	return manifest, nil
}

// Read returns the content of one artifact.
func (w *Writer) Read(runID, name string) ([]byte, error) {
	dir, err := w.Dir(runID)
	if err != nil {
		return nil, err
	}
	if err := validateName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{RunID: runID, Name: name}
		}
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return data, nil
}

// AppendLog appends record as one JSON line to logs.ndjson.
func (w *Writer) AppendLog(runID string, record any) error {
	dir, err := w.Dir(runID)
	if err != nil {
		return err
	}
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal log record: %w", err)
	}
	line = append(line, '\n')

	w.logMu.Lock()
	defer w.logMu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, Logs), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to append log: %w", err)
	}
	return f.Close()
}

// Archive writes a zip of runID's artifacts to out.
func (w *Writer) Archive(runID string, out io.Writer) error {
	manifest, err := w.List(runID)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(out)
	for _, entry := range manifest.Entries {
		if err := addToZip(zw, manifest.Dir, entry); err != nil {
			_ = zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish archive: %w", err)
	}
	return nil
}

func addToZip(zw *zip.Writer, dir string, entry Entry) error {
	f, err := os.Open(filepath.Join(dir, entry.Name))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", entry.Name, err)
	}
	defer f.Close()

	hw, err := zw.CreateHeader(&zip.FileHeader{
		Name:     entry.Name,
		Method:   zip.Deflate,
		Modified: entry.Modified,
	})
	if err != nil {
		return fmt.Errorf("failed to add %s to archive: %w", entry.Name, err)
	}
	if _, err := io.Copy(hw, f); err != nil {
		return fmt.Errorf("failed to archive %s: %w", entry.Name, err)
	}
	return nil
}

// FileType classifies an artifact by extension.
func FileType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md":
		return "markdown"
	case ".json":
		return "json"
	case ".txt":
		return "text"
	case ".ndjson":
		return "logs"
	default:
		return "binary"
	}
}

func validateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return &InvalidNameError{Name: name, Reason: "empty"}
	case strings.Contains(name, ".."):
		return &InvalidNameError{Name: name, Reason: "contains .."}
	case strings.HasPrefix(name, "."):
		// Leading dots are reserved for in-progress temp files.
		return &InvalidNameError{Name: name, Reason: "starts with a dot"}
	case strings.ContainsAny(name, `/\`):
		return &InvalidNameError{Name: name, Reason: "contains a path separator"}
	case strings.ContainsRune(name, 0):
		return &InvalidNameError{Name: name, Reason: "contains a NUL byte"}
	}
	return nil
}
