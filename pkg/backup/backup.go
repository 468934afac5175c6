// Package backup writes versioned JSON archives to a pluggable storage and
// prunes them by age.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

const (
	nameLayout = "20060102-150405.000"
	nameSuffix = ".json"
)

var ErrNoArchive = errors.New("no archive found")

// Archive is the envelope stored for every backup. Records holds the caller's
// payload verbatim.
type Archive struct {
	Version   string          `json:"version"`
	Node      string          `json:"node,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Count     int             `json:"count"`
	Records   json.RawMessage `json:"records"`
}

// Storage defines interface for backup storage
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// Service names archives "<prefix>-<timestamp>.json" so that lexical order is
// creation order.
type Service struct {
	storage Storage
	version string
	prefix  string
	now     func() time.Time
}

func NewService(storage Storage, version, prefix string) *Service {
	return &Service{
		storage: storage,
		version: version,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (s *Service) nameFor(ts time.Time) string {
	return s.prefix + "-" + ts.UTC().Format(nameLayout) + nameSuffix
}

func (s *Service) timeOf(name string) (time.Time, bool) {
	raw := strings.TrimSuffix(strings.TrimPrefix(name, s.prefix+"-"), nameSuffix)
	ts, err := time.Parse(nameLayout, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Create stores records, which must marshal to JSON, and returns the archive
// name.
func (s *Service) Create(ctx context.Context, node string, records interface{}, count int) (string, error) {
	payload, err := json.Marshal(records)
	if err != nil {
		return "", fmt.Errorf("failed to marshal archive records: %w", err)
	}
	archive := Archive{
		Version:   s.version,
		Node:      node,
		Timestamp: s.now().UTC(),
		Count:     count,
		Records:   payload,
	}
	data, err := json.Marshal(archive)
	if err != nil {
		return "", fmt.Errorf("failed to marshal archive: %w", err)
	}

	name := s.nameFor(archive.Timestamp)
	if err := s.storage.Save(ctx, name, bytes.NewReader(data)); err != nil {
		return "", fmt.Errorf("failed to save archive: %w", err)
	}
	return name, nil
}

func (s *Service) Load(ctx context.Context, name string) (*Archive, error) {
	reader, err := s.storage.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load archive: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive: %w", err)
	}
	var archive Archive
	if err := json.Unmarshal(data, &archive); err != nil {
		return nil, fmt.Errorf("failed to unmarshal archive: %w", err)
	}
	if archive.Version == "" {
		return nil, fmt.Errorf("invalid archive %s: missing version", name)
	}
	return &archive, nil
}

// List returns archive names oldest first. Files that do not follow the
// naming scheme are ignored.
func (s *Service) List(ctx context.Context) ([]string, error) {
	names, err := s.storage.List(ctx, s.prefix+"-")
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, name := range names {
		if _, ok := s.timeOf(name); ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Service) Latest(ctx context.Context) (string, error) {
	names, err := s.List(ctx)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", ErrNoArchive
	}
	return names[len(names)-1], nil
}

// Prune deletes archives created before cutoff, always keeping the newest one.
func (s *Service) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	names, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(names) > 0 {
		names = names[:len(names)-1]
	}

	deleted := 0
	var errs []error
	for _, name := range names {
		ts, _ := s.timeOf(name)
		if !ts.Before(cutoff) {
			continue
		}
		if err := s.storage.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", name, err))
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}
