// Package corpus reads knowledge-base sources into entries ready for indexing.
package corpus

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Entry is one knowledge-base item before vectorisation.
type Entry struct {
	Title   string `json:"title" yaml:"title"`
	Content string `json:"content" yaml:"content"`
}

// LoadError reports a corpus source that could not be read or indexed.
// Callers keep the previously loaded corpus when they receive one.
type LoadError struct {
	Source string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("loading corpus: %v", e.Err)
	}
	return fmt.Sprintf("loading corpus %s: %v", e.Source, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Format identifies how a source is encoded.
type Format string

const (
	FormatJSON     Format = "json"
	FormatJSONL    Format = "jsonl"
	FormatYAML     Format = "yaml"
	FormatMarkdown Format = "markdown"
	FormatPDF      Format = "pdf"
)

var (
	ErrUnknownFormat = errors.New("unknown corpus format")
	ErrNoEntries     = errors.New("source contains no entries")
	ErrEmptyEntry    = errors.New("entry has neither title nor content")
)

// Load reads path, decodes it according to its extension and cleans the
// result. Every failure is returned as *LoadError, including a source that
// decodes to nothing usable, so a bad source never replaces a good corpus.
func Load(path string) ([]Entry, error) {
	entries, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := Check(entries); err != nil {
		return nil, &LoadError{Source: path, Err: err}
	}
	cleaned := Clean(entries)
	if len(cleaned) == 0 {
		return nil, &LoadError{Source: path, Err: fmt.Errorf("%w after cleaning (%d decoded)", ErrNoEntries, len(entries))}
	}
	return cleaned, nil
}

// Check rejects a decoded source that is empty or holds an entry with
// neither title nor content. A JSON array of objects with the wrong keys
// decodes to such entries.
func Check(entries []Entry) error {
	if len(entries) == 0 {
		return ErrNoEntries
	}
	for i, e := range entries {
		if strings.TrimSpace(e.Title) == "" && strings.TrimSpace(e.Content) == "" {
			return fmt.Errorf("entry %d: %w", i, ErrEmptyEntry)
		}
	}
	return nil
}

// Read decodes path without cleaning. Compressed sources (.gz, .zst, .lz4)
// are decompressed first and the inner extension selects the format.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &LoadError{Source: path, Err: err}
	}
	defer f.Close()

	name := filepath.Base(path)
	r, inner, err := decompress(f, name)
	if err != nil {
		return nil, &LoadError{Source: path, Err: err}
	}
	defer r.Close()

	format, err := FormatFromName(inner)
	if err != nil {
		return nil, &LoadError{Source: path, Err: err}
	}

	entries, err := Decode(r, format, strings.TrimSuffix(inner, filepath.Ext(inner)))
	if err != nil {
		return nil, &LoadError{Source: path, Err: err}
	}
	return entries, nil
}

// FormatFromName maps a file name's extension to a Format.
func FormatFromName(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		return FormatJSON, nil
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".md", ".markdown":
		return FormatMarkdown, nil
	case ".pdf":
		return FormatPDF, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
}

// Decode parses r as format. name labels entries that carry no title of
// their own (PDF pages).
func Decode(r io.Reader, format Format, name string) ([]Entry, error) {
	switch format {
	case FormatJSON:
		return decodeJSON(r)
	case FormatJSONL:
		return decodeJSONL(r)
	case FormatYAML:
		return decodeYAML(r)
	case FormatMarkdown:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("reading markdown: %w", err)
		}
		return decodeMarkdown(data), nil
	case FormatPDF:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("reading pdf: %w", err)
		}
		return decodePDF(bytes.NewReader(data), int64(len(data)), name)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// decompress wraps r according to the compression extension of name and
// returns the name with that extension removed.
func decompress(r io.Reader, name string) (io.ReadCloser, string, error) {
	ext := strings.ToLower(filepath.Ext(name))
	inner := strings.TrimSuffix(name, filepath.Ext(name))
	switch ext {
	case ".gz":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, "", fmt.Errorf("opening gzip stream: %w", err)
		}
		return zr, inner, nil
	case ".zst":
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, "", fmt.Errorf("opening zstd stream: %w", err)
		}
		return zr.IOReadCloser(), inner, nil
	case ".lz4":
		return io.NopCloser(lz4.NewReader(r)), inner, nil
	default:
		return io.NopCloser(r), name, nil
	}
}
