package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/peterbourgon/diskv/v3"
	"github.com/shrtyk/initial-sync/api"
)

const (
	initialSyncFlagKey = "initialSyncFlag"
	initialSyncIDKey   = "initialSyncId"
)

var _ api.ConsistencyMarkers = (*DiskvMarkers)(nil)

// DiskvMarkers keeps the consistency markers as small files so they
// survive a crash in the middle of initial sync.
type DiskvMarkers struct {
	d *diskv.Diskv
}

func NewDiskvMarkers(dir string) (*DiskvMarkers, error) {
	base, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	d := diskv.New(diskv.Options{
		BasePath:     base,
		Transform:    func(string) []string { return []string{} },
		CacheSizeMax: 1024,
	})
	return &DiskvMarkers{d: d}, nil
}

func (m *DiskvMarkers) GetInitialSyncFlag(ctx context.Context) (bool, error) {
	v, ok, err := m.read(initialSyncFlagKey)
	if err != nil || !ok {
		return false, err
	}
	return v == "1", nil
}

func (m *DiskvMarkers) SetInitialSyncFlag(ctx context.Context) error {
	return m.write(initialSyncFlagKey, "1")
}

func (m *DiskvMarkers) ClearInitialSyncFlag(ctx context.Context) error {
	err := m.d.Erase(initialSyncFlagKey)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (m *DiskvMarkers) GetInitialSyncID(ctx context.Context) (string, error) {
	v, _, err := m.read(initialSyncIDKey)
	return v, err
}

func (m *DiskvMarkers) SetInitialSyncID(ctx context.Context, id string) error {
	return m.write(initialSyncIDKey, id)
}

func (m *DiskvMarkers) read(key string) (string, bool, error) {
	dat, err := m.d.Read(key)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read marker %s: %w", key, err)
	}
	return string(dat), true, nil
}

func (m *DiskvMarkers) write(key, value string) error {
	if err := m.d.WriteStream(key, strings.NewReader(value), true); err != nil {
		return fmt.Errorf("failed to write marker %s: %w", key, err)
	}
	return nil
}
