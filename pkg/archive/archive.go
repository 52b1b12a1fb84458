// Package archive stores checkpoint chains of retired sessions as
// write-once, compressed files.
//
// Objects live at <root>/<session_id>/<YYYYMMDD>-v<first>-v<last>.ckpt and
// are never rewritten. Object layout:
//
//	offset  size  field
//	0       4     magic "SARC"
//	4       1     format version
//	5       1     compression (0 none, 1 lz4, 2 zstd)
//	6       8     uncompressed body size, big-endian
//	14      32    BLAKE3 digest of the uncompressed body
//	46      n     body: CBOR record of the chain
package archive

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/aixgo-dev/sessionstore/pkg/codec"
	"github.com/aixgo-dev/sessionstore/pkg/session"
)

const (
	formatVersion uint8 = 1
	digestSize          = 32
	headerSize          = 4 + 1 + 1 + 8 + digestSize
	objectExt           = ".ckpt"
)

var magic = []byte("SARC")

var (
	// ErrInvalidPathComponent is returned for session IDs or locations that
	// would escape the archive root.
	ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")
	// ErrObjectMismatch is returned when an object already exists at the
	// target location with different content.
	ErrObjectMismatch = errors.New("archive object exists with different content")
	// ErrEmptyChain is returned when asked to archive nothing.
	ErrEmptyChain = errors.New("archive: empty checkpoint chain")
)

// record is the body of an archive object.
type record struct {
	SessionID   string                `cbor:"session_id"`
	Checkpoints []*session.Checkpoint `cbor:"checkpoints"`
}

// FileSink implements session.ArchiveSink on a local or mounted filesystem.
type FileSink struct {
	root        string
	compression Compression
}

// Option configures a FileSink.
type Option func(*FileSink)

// WithCompression selects the body compression. Defaults to zstd.
func WithCompression(c Compression) Option {
	return func(s *FileSink) {
		s.compression = c
	}
}

// NewFileSink creates a sink rooted at dir, creating it if needed.
func NewFileSink(dir string, opts ...Option) (*FileSink, error) {
	if dir == "" {
		return nil, errors.New("archive directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}

	s := &FileSink{root: dir, compression: CompressionZstd}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the archive root directory.
func (s *FileSink) Root() string {
	return s.root
}

// validatePathComponent checks that a string is safe to use as a path component.
func validatePathComponent(v string) error {
	if v == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(v, `/\`) || strings.Contains(v, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}

// ObjectName returns the file name for a chain archived at the given time.
func ObjectName(at time.Time, first, last int64) string {
	return fmt.Sprintf("%s-v%d-v%d%s", at.UTC().Format("20060102"), first, last, objectExt)
}

// Put writes chain once and returns its location relative to the root.
// Writing an identical chain again returns the same location.
func (s *FileSink) Put(ctx context.Context, sessionID string, at time.Time, chain []*session.Checkpoint) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validatePathComponent(sessionID); err != nil {
		return "", err
	}
	if len(chain) == 0 {
		return "", ErrEmptyChain
	}

	first, last := chain[0].Version, chain[len(chain)-1].Version
	name := ObjectName(at, first, last)
	location := sessionID + "/" + name

	obj, err := s.encode(&record{SessionID: sessionID, Checkpoints: chain})
	if err != nil {
		return "", err
	}

	dir := filepath.Join(s.root, sessionID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create session archive directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp object: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(obj); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("sync object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close object: %w", err)
	}

	// Link fails if the target exists, so objects are never overwritten.
	err = os.Link(tmpPath, filepath.Join(dir, name))
	switch {
	case err == nil:
		return location, nil
	case errors.Is(err, fs.ErrExist):
		existing, err := os.ReadFile(filepath.Join(dir, name)) // #nosec G304 - session ID validated above
		if err != nil {
			return "", fmt.Errorf("read existing object: %w", err)
		}
		if !sameDigest(existing, obj) {
			return "", fmt.Errorf("%w: %s", ErrObjectMismatch, location)
		}
		return location, nil
	default:
		return "", fmt.Errorf("publish object: %w", err)
	}
}

// Get reads the chain stored at location.
func (s *FileSink) Get(ctx context.Context, location string) ([]*session.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sessionID, name, ok := strings.Cut(location, "/")
	if !ok || validatePathComponent(sessionID) != nil || validatePathComponent(name) != nil || !strings.HasSuffix(name, objectExt) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPathComponent, location)
	}

	data, err := os.ReadFile(filepath.Join(s.root, sessionID, name)) // #nosec G304 - components validated above
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: archive object %s", session.ErrNotFound, location)
		}
		return nil, fmt.Errorf("read archive object: %w", err)
	}

	rec, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: archive object %s: %w", session.ErrCorruption, location, err)
	}
	if rec.SessionID != sessionID {
		return nil, fmt.Errorf("%w: archive object %s belongs to session %s", session.ErrCorruption, location, rec.SessionID)
	}
	return rec.Checkpoints, nil
}

// List returns the locations of every object of a session, oldest first.
func (s *FileSink) List(ctx context.Context, sessionID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validatePathComponent(sessionID); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(s.root, sessionID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list archive objects: %w", err)
	}

	var locations []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), objectExt) {
			locations = append(locations, sessionID+"/"+e.Name())
		}
	}
	slices.Sort(locations)
	return locations, nil
}

// Delete removes every object of a session. Deleting nothing succeeds.
func (s *FileSink) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validatePathComponent(sessionID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.root, sessionID)); err != nil {
		return fmt.Errorf("delete archive objects: %w", err)
	}
	return nil
}

func (s *FileSink) encode(rec *record) ([]byte, error) {
	body, err := codec.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal archive record: %w", err)
	}
	compressed, used, err := compress(body, s.compression)
	if err != nil {
		return nil, err
	}

	digest := blake3.Sum256(body)
	out := make([]byte, headerSize, headerSize+len(compressed))
	copy(out, magic)
	out[4] = formatVersion
	out[5] = byte(used)
	binary.BigEndian.PutUint64(out[6:14], uint64(len(body)))
	copy(out[14:headerSize], digest[:])
	return append(out, compressed...), nil
}

func decode(data []byte) (*record, error) {
	if len(data) < headerSize || !bytes.Equal(data[:4], magic) {
		return nil, errors.New("not an archive object")
	}
	if data[4] > formatVersion {
		return nil, fmt.Errorf("format version %d is newer than %d", data[4], formatVersion)
	}

	size := binary.BigEndian.Uint64(data[6:14])
	if size > uint64(1<<40) {
		return nil, fmt.Errorf("implausible body size %d", size)
	}
	body, err := decompress(data[headerSize:], Compression(data[5]), int(size))
	if err != nil {
		return nil, err
	}

	digest := blake3.Sum256(body)
	if !bytes.Equal(digest[:], data[14:headerSize]) {
		return nil, errors.New("digest mismatch")
	}

	var rec record
	if err := codec.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal archive record: %w", err)
	}
	return &rec, nil
}

// sameDigest compares the body digests of two encoded objects.
func sameDigest(a, b []byte) bool {
	if len(a) < headerSize || len(b) < headerSize {
		return false
	}
	return bytes.Equal(a[14:headerSize], b[14:headerSize])
}

var _ session.ArchiveSink = (*FileSink)(nil)
