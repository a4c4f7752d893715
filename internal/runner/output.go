package runner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var pagesPattern = regexp.MustCompile(`(\d+)/(\d+) pages`)

type crawlStatus struct {
	Context string `json:"context"`
	Details struct {
		Crawled int `json:"crawled"`
		Total   int `json:"total"`
	} `json:"details"`
}

// ParseProgress extracts crawl progress from one line of crawler output.
// It understands browsertrix JSON crawlStatus records and "N/M pages" text.
func ParseProgress(line string) (int, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return 0, false
	}
	if strings.HasPrefix(line, "{") {
		var status crawlStatus
		if err := json.Unmarshal([]byte(line), &status); err == nil && status.Context == "crawlStatus" {
			return band(status.Details.Crawled, status.Details.Total)
		}
		return 0, false
	}
	m := pagesPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	crawled, err1 := strconv.Atoi(m[1])
	total, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return band(crawled, total)
}

func band(crawled, total int) (int, bool) {
	if total <= 0 || crawled < 0 {
		return 0, false
	}
	if crawled > total {
		crawled = total
	}
	span := ProgressCrawlHigh - ProgressCrawlLow
	return ProgressCrawlLow + crawled*span/total, true
}

// archivePatterns lists accepted outputs in order of preference.
var archivePatterns = []string{".wacz", ".warc.gz", ".json"}

// LocateArchive finds the crawl output under dir, preferring WACZ, then
// WARC, then a JSON simple web archive.
func LocateArchive(dir string) (string, error) {
	found := make(map[string][]string, len(archivePatterns))
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := strings.ToLower(d.Name())
		for _, suffix := range archivePatterns {
			if strings.HasSuffix(name, suffix) {
				found[suffix] = append(found[suffix], path)
				break
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("scan output dir: %w", err)
	}
	for _, suffix := range archivePatterns {
		if paths := found[suffix]; len(paths) > 0 {
			sort.Strings(paths)
			return paths[0], nil
		}
	}
	return "", fmt.Errorf("no archive produced in %s", dir)
}

// LineWriter splits written bytes into lines and hands each to a callback,
// remembering the last non-empty one. It is safe for concurrent writers.
type LineWriter struct {
	mu   sync.Mutex
	fn   func(string)
	buf  []byte
	last string
}

// NewLineWriter returns a LineWriter calling fn for each line. fn may be nil.
func NewLineWriter(fn func(string)) *LineWriter {
	return &LineWriter{fn: fn}
}

// Write implements io.Writer.
func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		w.emit(string(w.buf[:idx]))
		w.buf = w.buf[idx+1:]
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}

// LastLine returns the last non-empty line seen.
func (w *LineWriter) LastLine() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *LineWriter) emit(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	w.last = line
	if w.fn != nil {
		w.fn(line)
	}
}
