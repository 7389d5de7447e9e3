package ingest

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/david/fundingfinder/internal/normalize"
)

// DefaultMaxBulkBytes is the download size above which bulk files are rejected.
const DefaultMaxBulkBytes = 50 * 1024 * 1024

// Format is a sniffed payload format.
type Format string

const (
	FormatJSON Format = "json"
	FormatXML  Format = "xml"
	FormatCSV  Format = "csv"
)

// Preferred keys holding the records array of a JSON document.
var jsonRecordKeys = []string{
	"items", "results", "data", "records", "opportunities", "notices", "oppHits",
	"opportunitiesData", "releases", "rows", "hits",
}

// BulkParser turns downloaded archives and exports into normalization inputs.
type BulkParser struct {
	MaxBytes int64
	log      *zap.Logger
}

// NewBulkParser returns a parser rejecting payloads above maxBytes
// (DefaultMaxBulkBytes when maxBytes <= 0).
func NewBulkParser(maxBytes int64, logger *zap.Logger) *BulkParser {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBulkBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BulkParser{MaxBytes: maxBytes, log: logger.Named("bulk")}
}

type blob struct {
	name string
	data []byte
}

// Parse decompresses data (ZIP: every entry, GZIP: once), sniffs each payload's
// format and extracts records through the matching FieldMap of profile. It stops
// after maxNotices records (no cap when maxNotices <= 0). Entries or records
// that fail to parse are logged and skipped; an error is returned only when
// the download is too large, the archive is unreadable, or nothing parsed.
func (p *BulkParser) Parse(data []byte, hint, source string, profile MappingProfile, maxNotices int) ([]normalize.Input, error) {
	if int64(len(data)) > p.MaxBytes {
		return nil, fmt.Errorf("bulk payload of %d bytes: %w", len(data), ErrTooLarge)
	}

	blobs, err := p.decompress(data, hint)
	if err != nil {
		return nil, err
	}

	var (
		out      []normalize.Input
		firstErr error
	)
	for _, b := range blobs {
		remaining := 0
		if maxNotices > 0 {
			remaining = maxNotices - len(out)
			if remaining <= 0 {
				break
			}
		}

		format := DetectFormat(b.data)
		var recs []map[string]any
		var perr error
		switch format {
		case FormatJSON:
			recs, perr = parseJSONRecords(b.data, profile.RecordsPath)
		case FormatXML:
			recs, perr = parseXMLRecords(b.data, profile.RecordTag)
		default:
			recs, perr = p.parseCSVRecords(b.data, b.name)
		}
		if perr != nil {
			p.log.Warn("partial parse failure",
				zap.String("source", source),
				zap.String("entry", b.name),
				zap.String("format", string(format)),
				zap.Int("records_kept", len(recs)),
				zap.Error(perr))
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", b.name, perr)
			}
		}

		fm := profile.fieldMap(format)
		for _, rec := range recs {
			in := extractRecord(rec, fm, source)
			if strings.TrimSpace(in.Title) == "" && strings.TrimSpace(in.OpportunityID) == "" {
				continue
			}
			out = append(out, in)
			if remaining > 0 && len(out) >= maxNotices {
				break
			}
		}
	}

	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (mp MappingProfile) fieldMap(f Format) FieldMap {
	switch f {
	case FormatJSON:
		return mp.JSON
	case FormatXML:
		return mp.XML
	default:
		return mp.CSV
	}
}

// DetectFormat sniffs a text payload: a leading { or [ means JSON, a leading <
// (including an XML declaration) means XML, anything else is CSV.
func DetectFormat(data []byte) Format {
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")), " \t\r\n")
	if len(trimmed) == 0 {
		return FormatCSV
	}
	switch trimmed[0] {
	case '{', '[':
		return FormatJSON
	case '<':
		return FormatXML
	}
	return FormatCSV
}

func isZip(data []byte) bool {
	return bytes.HasPrefix(data, []byte("PK\x03\x04")) || bytes.HasPrefix(data, []byte("PK\x05\x06"))
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

func (p *BulkParser) decompress(data []byte, hint string) ([]blob, error) {
	name := hint
	if name == "" {
		name = "payload"
	}
	lowerHint := strings.ToLower(hint)

	switch {
	case isZip(data):
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, fmt.Errorf("open zip: %w", err)
		}
		var blobs []blob
		for _, f := range zr.File {
			if f.FileInfo().IsDir() || strings.HasPrefix(f.Name, "__MACOSX/") {
				continue
			}
			content, err := p.readZipEntry(f)
			if err != nil {
				p.log.Warn("skipping zip entry", zap.String("entry", f.Name), zap.Error(err))
				continue
			}
			if isGzip(content) {
				if content, err = p.gunzip(content); err != nil {
					p.log.Warn("skipping zip entry", zap.String("entry", f.Name), zap.Error(err))
					continue
				}
			}
			blobs = append(blobs, blob{name: f.Name, data: content})
		}
		return blobs, nil
	case isGzip(data):
		content, err := p.gunzip(data)
		if err != nil {
			return nil, err
		}
		return []blob{{name: strings.TrimSuffix(name, ".gz"), data: content}}, nil
	default:
		if strings.HasSuffix(lowerHint, ".zip") || strings.HasSuffix(lowerHint, ".gz") {
			p.log.Debug("archive hint without archive signature, parsing as plain payload", zap.String("hint", hint))
		}
		return []blob{{name: name, data: data}}, nil
	}
}

func (p *BulkParser) readZipEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > uint64(p.MaxBytes) {
		return nil, ErrTooLarge
	}
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return p.readLimited(rc)
}

func (p *BulkParser) gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer zr.Close()
	return p.readLimited(zr)
}

func (p *BulkParser) readLimited(r io.Reader) ([]byte, error) {
	content, err := io.ReadAll(io.LimitReader(r, p.MaxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > p.MaxBytes {
		return nil, ErrTooLarge
	}
	return content, nil
}

// parseJSONRecords accepts a single document, a stream of documents (NDJSON)
// or a top-level array. A malformed array element ends the array but keeps
// everything decoded before it.
func parseJSONRecords(data []byte, recordsPath string) ([]map[string]any, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' && recordsPath == "" {
		if _, err := dec.Token(); err != nil {
			return nil, err
		}
		var out []map[string]any
		for dec.More() {
			var v any
			if err := dec.Decode(&v); err != nil {
				return out, err
			}
			out = append(out, jsonRecords(v, "")...)
		}
		return out, nil
	}

	var out []map[string]any
	for {
		var v any
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, jsonRecords(v, recordsPath)...)
	}
}

func jsonRecords(v any, recordsPath string) []map[string]any {
	if recordsPath != "" {
		if m, ok := v.(map[string]any); ok {
			v = lookupPath(m, recordsPath)
		}
	}

	switch t := v.(type) {
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, e := range t {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case map[string]any:
		if recordsPath == "" {
			if arr := findRecordArray(t); arr != nil {
				return jsonRecords(arr, "")
			}
		}
		return []map[string]any{t}
	}
	return nil
}

// findRecordArray looks for the records array of an envelope object: first
// under well-known keys, then breadth-first for any array of objects.
func findRecordArray(m map[string]any) []any {
	for _, k := range jsonRecordKeys {
		if v, ok := lookupKey(m, k); ok {
			if arr, ok := v.([]any); ok && hasObject(arr) {
				return arr
			}
			if inner, ok := v.(map[string]any); ok {
				if arr := findRecordArray(inner); arr != nil {
					return arr
				}
			}
		}
	}

	queue := []map[string]any{m}
	for depth := 0; depth < 4 && len(queue) > 0; depth++ {
		var next []map[string]any
		for _, cur := range queue {
			for _, k := range sortedKeys(cur) {
				switch t := cur[k].(type) {
				case []any:
					if hasObject(t) {
						return t
					}
				case map[string]any:
					next = append(next, t)
				}
			}
		}
		queue = next
	}
	return nil
}

func hasObject(arr []any) bool {
	for _, e := range arr {
		if _, ok := e.(map[string]any); ok {
			return true
		}
	}
	return false
}

type xmlNode struct {
	name     string
	attrs    []xml.Attr
	text     strings.Builder
	children []*xmlNode
}

// parseXMLRecords builds an element tree and returns the record elements as
// generic maps. On a syntax error the tree built so far is still used.
func parseXMLRecords(data []byte, recordTag string) ([]map[string]any, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity
	dec.CharsetReader = func(_ string, in io.Reader) (io.Reader, error) { return in, nil }

	root := &xmlNode{name: "#document"}
	stack := []*xmlNode{root}
	var parseErr error

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			parseErr = err
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &xmlNode{name: t.Name.Local, attrs: t.Attr}
			parent := stack[len(stack)-1]
			parent.children = append(parent.children, n)
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			stack[len(stack)-1].text.Write(t)
		}
	}

	var nodes []*xmlNode
	if recordTag != "" {
		collectByName(root, recordTag, &nodes)
	} else {
		nodes = detectRecordNodes(root)
	}

	out := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		if m, ok := n.value().(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, parseErr
}

func collectByName(n *xmlNode, name string, out *[]*xmlNode) {
	for _, c := range n.children {
		if strings.EqualFold(c.name, name) {
			*out = append(*out, c)
			continue
		}
		collectByName(c, name, out)
	}
}

// detectRecordNodes picks the element name repeated most often among the
// children of any one parent, preferring the shallower group on ties. With no
// repeated element the document holds a single record: the first element
// with leaf fields below a chain of single-child wrappers.
func detectRecordNodes(root *xmlNode) []*xmlNode {
	var (
		best      []*xmlNode
		bestDepth int
	)
	var walk func(n *xmlNode, depth int)
	walk = func(n *xmlNode, depth int) {
		groups := make(map[string][]*xmlNode)
		var order []string
		for _, c := range n.children {
			if len(c.children) == 0 {
				continue
			}
			if _, seen := groups[c.name]; !seen {
				order = append(order, c.name)
			}
			groups[c.name] = append(groups[c.name], c)
		}
		for _, name := range order {
			g := groups[name]
			if len(g) > len(best) || (len(g) == len(best) && depth < bestDepth) {
				best, bestDepth = g, depth
			}
		}
		for _, c := range n.children {
			walk(c, depth+1)
		}
	}
	walk(root, 0)
	if len(best) > 1 {
		return best
	}

	cur := root
	for len(cur.children) == 1 {
		c := cur.children[0]
		if len(c.children) == 0 {
			break
		}
		if c.hasLeafChild() {
			return []*xmlNode{c}
		}
		cur = c
	}
	return nil
}

func (n *xmlNode) hasLeafChild() bool {
	for _, c := range n.children {
		if len(c.children) == 0 {
			return true
		}
	}
	return false
}

func (n *xmlNode) value() any {
	text := strings.TrimSpace(n.text.String())
	if len(n.children) == 0 && len(n.attrs) == 0 {
		return text
	}

	m := make(map[string]any, len(n.children)+len(n.attrs))
	for _, a := range n.attrs {
		m["@"+a.Name.Local] = a.Value
	}
	if text != "" {
		m["#text"] = text
	}
	for _, c := range n.children {
		v := c.value()
		switch existing := m[c.name].(type) {
		case nil:
			m[c.name] = v
		case []any:
			m[c.name] = append(existing, v)
		default:
			m[c.name] = []any{existing, v}
		}
	}
	return m
}

// Rows that fail to parse are skipped; too many in a row aborts the file.
const maxConsecutiveCSVErrors = 50

func (p *BulkParser) parseCSVRecords(data []byte, name string) ([]map[string]any, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = sniffDelimiter(data)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var (
		out     []map[string]any
		lastErr error
		streak  int
	)
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			lastErr = err
			streak++
			p.log.Debug("skipping csv row", zap.String("entry", name), zap.Error(err))
			if streak >= maxConsecutiveCSVErrors {
				break
			}
			continue
		}
		streak = 0

		rec := make(map[string]any, len(header))
		for i, h := range header {
			if h == "" || i >= len(row) {
				continue
			}
			rec[h] = strings.TrimSpace(row[i])
		}
		out = append(out, rec)
	}
	return out, lastErr
}

// sniffDelimiter picks the most frequent of , ; and tab on the header line.
func sniffDelimiter(data []byte) rune {
	line := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line = data[:i]
	}
	best, bestCount := ',', bytes.Count(line, []byte(","))
	for _, d := range []rune{';', '\t'} {
		if c := bytes.Count(line, []byte(string(d))); c > bestCount {
			best, bestCount = d, c
		}
	}
	return best
}
