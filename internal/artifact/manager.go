// Package artifact moves finished crawl archives into durable blob storage
// and serves them back by job.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/hash/sha256"
)

// DefaultPrefix is used when no object prefix is configured.
const DefaultPrefix = "archives"

var contentTypes = map[string]string{
	".wacz":    "application/wacz",
	".warc.gz": "application/warc+gzip",
	".warc":    "application/warc",
	".json":    "application/json",
}

// Manager persists artifacts under <prefix>/<job_id>/archive-<job_id><ext>.
type Manager struct {
	blobs  archive.BlobStore
	prefix string
	logger *zap.Logger
}

// NewManager wires a Manager over blobs.
func NewManager(blobs archive.BlobStore, prefix string, logger *zap.Logger) (*Manager, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Manager{blobs: blobs, prefix: prefix, logger: logger.Named("artifact")}, nil
}

// Filename returns the stored artifact name for a job and source file.
func Filename(jobID, localPath string) string {
	return "archive-" + jobID + Ext(localPath)
}

// Ext returns the archive extension of name, keeping compound suffixes
// such as .warc.gz intact.
func Ext(name string) string {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".warc.gz") {
		return ".warc.gz"
	}
	return strings.ToLower(filepath.Ext(name))
}

// Persist copies the crawl output at localPath into blob storage. Calling it
// again for the same job and file overwrites the object with identical
// content and returns the identical reference.
func (m *Manager) Persist(ctx context.Context, jobID, localPath string) (archive.Artifact, error) {
	if strings.TrimSpace(jobID) == "" {
		return archive.Artifact{}, fmt.Errorf("%w: job id is required", archive.ErrStorage)
	}
	digest, size, err := sha256.File(localPath)
	if err != nil {
		return archive.Artifact{}, fmt.Errorf("%w: %v", archive.ErrStorage, err)
	}

	f, err := os.Open(localPath) //nolint:gosec // path comes from the crawl work dir
	if err != nil {
		return archive.Artifact{}, fmt.Errorf("%w: open artifact: %v", archive.ErrStorage, err)
	}
	defer func() { _ = f.Close() }()

	filename := Filename(jobID, localPath)
	rel := path.Join(jobID, filename)
	uri, err := m.blobs.PutObject(ctx, m.objectKey(rel), contentType(filename), f)
	if err != nil {
		return archive.Artifact{}, fmt.Errorf("%w: upload %s: %v", archive.ErrStorage, rel, err)
	}
	m.logger.Info("artifact persisted",
		zap.String("job_id", jobID),
		zap.String("uri", uri),
		zap.Int64("bytes", size),
	)
	return archive.Artifact{
		URI:      uri,
		Key:      rel,
		Filename: filename,
		Size:     size,
		SHA256:   digest,
	}, nil
}

// Open streams a persisted artifact. Unknown files report archive.ErrNotFound.
func (m *Manager) Open(ctx context.Context, jobID, filename string) (io.ReadCloser, archive.ObjectInfo, error) {
	if !validName(jobID) || !validName(filename) {
		return nil, archive.ObjectInfo{}, fmt.Errorf("%w: invalid artifact path", archive.ErrNotFound)
	}
	rc, info, err := m.blobs.GetObject(ctx, m.objectKey(path.Join(jobID, filename)))
	if errors.Is(err, archive.ErrObjectNotFound) {
		return nil, archive.ObjectInfo{}, fmt.Errorf("artifact %s/%s: %w", jobID, filename, archive.ErrNotFound)
	}
	if err != nil {
		return nil, archive.ObjectInfo{}, fmt.Errorf("%w: open %s/%s: %v", archive.ErrStorage, jobID, filename, err)
	}
	if info.ContentType == "" {
		info.ContentType = contentType(filename)
	}
	return rc, info, nil
}

// Remove deletes every object stored for jobID.
func (m *Manager) Remove(ctx context.Context, jobID string) error {
	if !validName(jobID) {
		return fmt.Errorf("%w: invalid job id %q", archive.ErrStorage, jobID)
	}
	if err := m.blobs.DeletePrefix(ctx, m.objectKey(jobID)+"/"); err != nil {
		return fmt.Errorf("%w: remove %s: %v", archive.ErrStorage, jobID, err)
	}
	return nil
}

func (m *Manager) objectKey(rel string) string {
	return m.prefix + "/" + rel
}

func contentType(filename string) string {
	if ct, ok := contentTypes[Ext(filename)]; ok {
		return ct
	}
	return "application/octet-stream"
}

func validName(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
