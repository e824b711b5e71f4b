package corpus

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

// decodeJSON reads a JSON array of {"title", "content"} objects.
func decodeJSON(r io.Reader) ([]Entry, error) {
	var entries []Entry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding json: %w", err)
	}
	return entries, nil
}

// decodeJSONL reads one JSON object per line. Blank lines are skipped.
func decodeJSONL(r io.Reader) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var entries []Entry
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decoding jsonl line %d: %w", line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading jsonl: %w", err)
	}
	return entries, nil
}

// decodeYAML reads a YAML sequence of {title, content} mappings.
func decodeYAML(r io.Reader) ([]Entry, error) {
	var entries []Entry
	if err := yaml.NewDecoder(r).Decode(&entries); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("decoding yaml: %w", err)
	}
	return entries, nil
}

// decodeMarkdown splits a document into one entry per heading. The heading
// text is the title and the blocks up to the next heading are the content.
// Text before the first heading becomes an untitled entry.
func decodeMarkdown(source []byte) []Entry {
	doc := goldmark.New().Parser().Parse(text.NewReader(source))

	var entries []Entry
	var title string
	var body []string
	started := false
	flush := func() {
		if !started && len(body) == 0 {
			return
		}
		entries = append(entries, Entry{Title: title, Content: strings.Join(body, "\n")})
	}

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if h, ok := n.(*ast.Heading); ok {
			flush()
			title = blockText(h, source)
			body = nil
			started = true
			continue
		}
		if t := blockText(n, source); t != "" {
			body = append(body, t)
		}
	}
	flush()
	return entries
}

// blockText returns the raw source lines of a block node, descending into
// container blocks such as lists and quotes.
func blockText(n ast.Node, source []byte) string {
	if n.Type() != ast.TypeBlock {
		return ""
	}
	if lines := n.Lines(); lines != nil && lines.Len() > 0 {
		var b strings.Builder
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			b.Write(seg.Value(source))
		}
		return strings.TrimSpace(b.String())
	}
	var parts []string
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if t := blockText(c, source); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n")
}

// decodePDF produces one entry per non-empty page, titled "<name> p.<n>".
func decodePDF(r io.ReaderAt, size int64, name string) ([]Entry, error) {
	doc, err := pdf.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("opening pdf: %w", err)
	}

	var entries []Entry
	for i := 1; i <= doc.NumPage(); i++ {
		page := doc.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("reading pdf page %d: %w", i, err)
		}
		if strings.TrimSpace(content) == "" {
			continue
		}
		entries = append(entries, Entry{Title: fmt.Sprintf("%s p.%d", name, i), Content: content})
	}
	return entries, nil
}
