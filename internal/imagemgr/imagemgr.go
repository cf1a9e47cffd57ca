// Package imagemgr caches OCI base images as ext4 root filesystems for the
// firecracker backend, keyed by manifest digest in a sqlite metadata store.
package imagemgr

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/buildkite/cleanbuild/internal/ociref"
	"github.com/buildkite/cleanbuild/internal/paths"
	_ "modernc.org/sqlite"
)

const defaultMkfsBinary = "mkfs.ext4"

type Record struct {
	Digest     string
	Ref        string
	Arch       string
	RootFSPath string
	SizeBytes  int64
	CreatedAt  time.Time
	LastUsedAt time.Time
	Env        []string
}

type EnsureResult struct {
	Record   Record
	CacheHit bool
}

type Options struct {
	CacheDir       string
	MetadataDBPath string
	MkfsBinary     string
	// MinRootFSBytes sizes new images so the guest has room to install
	// build dependencies. The image file is sparse.
	MinRootFSBytes int64
	Arch           string
	Now            func() time.Time

	ResolveDigest     func(ctx context.Context, ref, arch string) (string, error)
	PullImage         func(ctx context.Context, pinnedRef string) (io.ReadCloser, []string, error)
	MaterializeRootFS func(ctx context.Context, tarStream io.Reader, outputPath string) (int64, error)
}

type Manager struct {
	cacheDir       string
	metadataDBPath string
	arch           string
	now            func() time.Time
	resolveDigest  func(context.Context, string, string) (string, error)
	pullImage      func(context.Context, string) (io.ReadCloser, []string, error)
	materialize    func(context.Context, io.Reader, string) (int64, error)

	mu sync.Mutex
}

func New(opts Options) (*Manager, error) {
	cacheDir := strings.TrimSpace(opts.CacheDir)
	if cacheDir == "" {
		var err error
		if cacheDir, err = paths.ImageCacheDir(); err != nil {
			return nil, fmt.Errorf("resolve image cache directory: %w", err)
		}
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create image cache directory %q: %w", cacheDir, err)
	}

	metadataDBPath := strings.TrimSpace(opts.MetadataDBPath)
	if metadataDBPath == "" {
		var err error
		if metadataDBPath, err = paths.ImageMetadataDBPath(); err != nil {
			return nil, fmt.Errorf("resolve image metadata database path: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(metadataDBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create image metadata directory for %q: %w", metadataDBPath, err)
	}

	m := &Manager{
		cacheDir:       cacheDir,
		metadataDBPath: metadataDBPath,
		arch:           opts.Arch,
		now:            opts.Now,
		resolveDigest:  opts.ResolveDigest,
		pullImage:      opts.PullImage,
		materialize:    opts.MaterializeRootFS,
	}
	if m.arch == "" {
		m.arch = runtime.GOARCH
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.resolveDigest == nil {
		m.resolveDigest = resolveDigestFromRegistry
	}
	if m.pullImage == nil {
		m.pullImage = pullImageFromRegistry
	}
	if m.materialize == nil {
		mkfs := strings.TrimSpace(opts.MkfsBinary)
		if mkfs == "" {
			mkfs = defaultMkfsBinary
		}
		minBytes := opts.MinRootFSBytes
		m.materialize = func(ctx context.Context, tarStream io.Reader, outputPath string) (int64, error) {
			return materializeExt4(ctx, mkfs, minBytes, tarStream, outputPath)
		}
	}

	if err := m.initDB(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

// Ensure returns a cached rootfs for ref, pulling and materialising it on a
// miss. Tag references are resolved to the manifest digest for the manager's
// architecture first. With force the cached copy is discarded.
func (m *Manager) Ensure(ctx context.Context, ref string, force bool) (EnsureResult, error) {
	parsed, err := ociref.Parse(ref)
	if err != nil {
		return EnsureResult{}, err
	}
	digest := parsed.Digest
	if !parsed.Pinned() {
		digest, err = m.resolveDigest(ctx, parsed.String(), m.arch)
		if err != nil {
			return EnsureResult{}, fmt.Errorf("resolve digest for %q: %w", parsed.Original, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	db, err := m.open()
	if err != nil {
		return EnsureResult{}, err
	}
	defer db.Close()

	now := m.now().UTC()
	record, found, err := queryRecordByDigest(ctx, db, digest)
	if err != nil {
		return EnsureResult{}, err
	}
	if found {
		_, statErr := os.Stat(record.RootFSPath)
		switch {
		case statErr == nil && !force:
			record.Ref = parsed.Original
			record.LastUsedAt = now
			if err := upsertRecord(ctx, db, record); err != nil {
				return EnsureResult{}, err
			}
			return EnsureResult{Record: record, CacheHit: true}, nil
		case statErr != nil && !errors.Is(statErr, os.ErrNotExist):
			return EnsureResult{}, fmt.Errorf("stat cached rootfs %q: %w", record.RootFSPath, statErr)
		}
		if err := deleteRecord(ctx, db, record); err != nil {
			return EnsureResult{}, err
		}
	}

	stream, env, err := m.pullImage(ctx, parsed.Pin(digest))
	if err != nil {
		return EnsureResult{}, err
	}
	defer stream.Close()

	record = Record{
		Digest:     digest,
		Ref:        parsed.Original,
		Arch:       m.arch,
		CreatedAt:  now,
		LastUsedAt: now,
		Env:        env,
	}
	if record, err = m.persist(ctx, db, record, stream); err != nil {
		return EnsureResult{}, err
	}
	return EnsureResult{Record: record}, nil
}

func (m *Manager) List(ctx context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	db, err := m.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, selectRecords+` ORDER BY last_used_at_unix DESC, created_at_unix DESC, digest ASC`)
	if err != nil {
		return nil, fmt.Errorf("query cached images: %w", err)
	}
	return collectRecords(rows)
}

// Remove deletes the cached images matching selector: a pinned reference, a
// digest with or without the sha256: prefix, or the reference they were
// pulled as.
func (m *Manager) Remove(ctx context.Context, selector string) ([]Record, error) {
	sel := strings.TrimSpace(selector)
	if sel == "" {
		return nil, fmt.Errorf("image selector cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	db, err := m.open()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	records, err := queryRecordsBySelector(ctx, db, sel)
	if err != nil {
		return nil, err
	}
	// Files go first so a failed delete leaves the record for a retry.
	for _, record := range records {
		if err := os.Remove(record.RootFSPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove cached rootfs %q: %w", record.RootFSPath, err)
		}
	}
	for _, record := range records {
		if _, err := db.ExecContext(ctx, `DELETE FROM images WHERE digest = ?`, record.Digest); err != nil {
			return nil, fmt.Errorf("delete cached image metadata for %s: %w", record.Digest, err)
		}
	}
	return records, nil
}

func (m *Manager) persist(ctx context.Context, db *sql.DB, record Record, stream io.Reader) (Record, error) {
	base := strings.TrimPrefix(record.Digest, "sha256:")
	outputPath := filepath.Join(m.cacheDir, base+".ext4")
	tmpFile, err := os.CreateTemp(m.cacheDir, base+".tmp-*.ext4")
	if err != nil {
		return Record{}, fmt.Errorf("create temporary image artifact for %q: %w", record.Digest, err)
	}
	tmpPath := tmpFile.Name()
	_ = tmpFile.Close()
	defer os.Remove(tmpPath)

	size, err := m.materialize(ctx, stream, tmpPath)
	if err != nil {
		return Record{}, err
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		return Record{}, fmt.Errorf("move image artifact to cache %q: %w", outputPath, err)
	}

	record.RootFSPath = outputPath
	record.SizeBytes = size
	if err := upsertRecord(ctx, db, record); err != nil {
		_ = os.Remove(outputPath)
		return Record{}, err
	}
	return record, nil
}

func (m *Manager) open() (*sql.DB, error) {
	db, err := sql.Open("sqlite", m.metadataDBPath)
	if err != nil {
		return nil, fmt.Errorf("open image metadata database %q: %w", m.metadataDBPath, err)
	}
	return db, nil
}

func (m *Manager) initDB(ctx context.Context) error {
	db, err := m.open()
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS images (
			digest TEXT PRIMARY KEY,
			ref TEXT NOT NULL,
			arch TEXT NOT NULL,
			rootfs_path TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			created_at_unix INTEGER NOT NULL,
			last_used_at_unix INTEGER NOT NULL,
			env_json TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_images_ref ON images(ref);
	`)
	if err != nil {
		return fmt.Errorf("initialise image metadata schema: %w", err)
	}
	return nil
}

const selectRecords = `
	SELECT digest, ref, arch, rootfs_path, size_bytes, created_at_unix, last_used_at_unix, env_json
	FROM images`

func upsertRecord(ctx context.Context, db *sql.DB, record Record) error {
	envJSON, err := json.Marshal(record.Env)
	if err != nil {
		return fmt.Errorf("marshal image env: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO images (digest, ref, arch, rootfs_path, size_bytes, created_at_unix, last_used_at_unix, env_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(digest) DO UPDATE SET
			ref = excluded.ref,
			arch = excluded.arch,
			rootfs_path = excluded.rootfs_path,
			size_bytes = excluded.size_bytes,
			last_used_at_unix = excluded.last_used_at_unix,
			env_json = excluded.env_json
	`,
		record.Digest,
		record.Ref,
		record.Arch,
		record.RootFSPath,
		record.SizeBytes,
		record.CreatedAt.Unix(),
		record.LastUsedAt.Unix(),
		string(envJSON),
	)
	if err != nil {
		return fmt.Errorf("upsert image metadata for %s: %w", record.Digest, err)
	}
	return nil
}

func deleteRecord(ctx context.Context, db *sql.DB, record Record) error {
	if err := os.Remove(record.RootFSPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove cached rootfs %q: %w", record.RootFSPath, err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM images WHERE digest = ?`, record.Digest); err != nil {
		return fmt.Errorf("delete image metadata for digest %s: %w", record.Digest, err)
	}
	return nil
}

func queryRecordsBySelector(ctx context.Context, db *sql.DB, selector string) ([]Record, error) {
	digest, ok := normalizeDigestSelector(selector)
	if parsed, err := ociref.ParseDigestReference(selector); err == nil {
		digest, ok = parsed.Digest, true
	}
	if ok {
		record, found, err := queryRecordByDigest(ctx, db, digest)
		if err != nil || !found {
			return nil, err
		}
		return []Record{record}, nil
	}

	rows, err := db.QueryContext(ctx, selectRecords+` WHERE ref = ?`, selector)
	if err != nil {
		return nil, fmt.Errorf("query images by ref %q: %w", selector, err)
	}
	return collectRecords(rows)
}

func queryRecordByDigest(ctx context.Context, db *sql.DB, digest string) (Record, bool, error) {
	record, err := scanRecord(db.QueryRowContext(ctx, selectRecords+` WHERE digest = ?`, digest))
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	return record, true, nil
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	out := make([]Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cached images: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		record         Record
		createdAtUnix  int64
		lastUsedAtUnix int64
		envJSON        string
	)
	if err := s.Scan(
		&record.Digest,
		&record.Ref,
		&record.Arch,
		&record.RootFSPath,
		&record.SizeBytes,
		&createdAtUnix,
		&lastUsedAtUnix,
		&envJSON,
	); err != nil {
		return Record{}, err
	}
	record.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	record.LastUsedAt = time.Unix(lastUsedAtUnix, 0).UTC()
	if err := json.Unmarshal([]byte(envJSON), &record.Env); err != nil {
		return Record{}, fmt.Errorf("parse image env for %s: %w", record.Digest, err)
	}
	return record, nil
}

func normalizeDigestSelector(selector string) (string, bool) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(strings.ToLower(selector)), "sha256:")
	if len(trimmed) != 64 || strings.Trim(trimmed, "0123456789abcdef") != "" {
		return "", false
	}
	return "sha256:" + trimmed, true
}
