package catalog

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/telhawk-systems/chainhawk/common/logging"
)

// Loader supplies parsed catalog documents.
type Loader interface {
	Load(ctx context.Context) ([]Document, error)
}

// Fingerprinter is implemented by loaders that can cheaply detect content changes.
type Fingerprinter interface {
	Fingerprint(ctx context.Context) (string, error)
}

// StaticLoader serves a fixed set of documents.
type StaticLoader struct {
	Documents []Document
}

// Load returns a copy of the configured documents.
func (l StaticLoader) Load(ctx context.Context) ([]Document, error) {
	docs := make([]Document, len(l.Documents))
	copy(docs, l.Documents)
	return docs, nil
}

// DirLoader reads *.yaml, *.yml and *.json documents below a directory.
// YAML files may hold several documents; JSON files hold an object or an array.
type DirLoader struct {
	Dir    string
	Logger *logging.Logger
}

// NewDirLoader creates a DirLoader for dir.
func NewDirLoader(dir string, logger *logging.Logger) *DirLoader {
	if logger == nil {
		logger = logging.Discard()
	}
	return &DirLoader{Dir: dir, Logger: logger}
}

// Load parses every catalog file in path order. Files that fail to parse are skipped with a warning.
func (l *DirLoader) Load(ctx context.Context) ([]Document, error) {
	paths, err := l.files()
	if err != nil {
		return nil, err
	}

	var docs []Document
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		data, err := os.ReadFile(path)
		if err != nil {
			l.Logger.Warn("failed to read catalog file", "file", path, logging.Error(err))
			continue
		}

		parsed, err := decodeDocuments(path, data)
		if err != nil {
			l.Logger.Warn("failed to parse catalog file", "file", path, logging.Error(err))
			continue
		}
		docs = append(docs, parsed...)
	}

	return docs, nil
}

// Fingerprint hashes the names and contents of all catalog files.
func (l *DirLoader) Fingerprint(ctx context.Context) (string, error) {
	paths, err := l.files()
	if err != nil {
		return "", err
	}

	h := sha256.New()
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("failed to open %s: %w", path, err)
		}
		_, _ = io.WriteString(h, path)
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *DirLoader) files() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(l.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml", ".json":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan catalog dir %s: %w", l.Dir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

func decodeDocuments(path string, data []byte) ([]Document, error) {
	var docs []Document

	if strings.EqualFold(filepath.Ext(path), ".json") {
		trimmed := bytes.TrimSpace(data)
		if len(trimmed) > 0 && trimmed[0] == '[' {
			if err := json.Unmarshal(trimmed, &docs); err != nil {
				return nil, err
			}
		} else {
			var doc Document
			if err := json.Unmarshal(trimmed, &doc); err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		for {
			var doc Document
			err := dec.Decode(&doc)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		}
	}

	for i := range docs {
		docs[i].Origin = path
	}
	return docs, nil
}
