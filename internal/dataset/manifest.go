package dataset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ManifestName is the metadata file expected in the data root.
const ManifestName = "train.txt"

// Entry is one manifest line: linear.npy|mel.npy|n_frames|text.
type Entry struct {
	LinearPath string
	MelPath    string
	Frames     int
	Text       string
}

// ReadManifest parses manifest lines. Relative feature paths are resolved
// against root. The text is the last field; blank lines are skipped.
func ReadManifest(r io.Reader, root string) ([]Entry, error) {
	var entries []Entry

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for line := 1; sc.Scan(); line++ {
		s := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(s) == "" {
			continue
		}

		fields := strings.Split(s, "|")
		if len(fields) < 4 {
			return nil, fmt.Errorf("dataset: manifest line %d: want 4 fields, got %d", line, len(fields))
		}

		frames, err := strconv.Atoi(strings.TrimSpace(fields[2]))
		if err != nil || frames < 0 {
			return nil, fmt.Errorf("dataset: manifest line %d: bad frame count %q", line, fields[2])
		}

		entries = append(entries, Entry{
			LinearPath: resolve(root, fields[0]),
			MelPath:    resolve(root, fields[1]),
			Frames:     frames,
			Text:       fields[len(fields)-1],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("dataset: read manifest: %w", err)
	}

	return entries, nil
}

// LoadManifest reads root/train.txt.
func LoadManifest(root string) ([]Entry, error) {
	f, err := os.Open(filepath.Join(root, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("dataset: open manifest: %w", err)
	}
	defer f.Close()

	return ReadManifest(f, root)
}

func resolve(root, p string) string {
	p = strings.TrimSpace(p)
	if filepath.IsAbs(p) {
		return p
	}

	return filepath.Join(root, p)
}
