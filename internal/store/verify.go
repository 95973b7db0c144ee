package store

import (
	"context"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/blake2b"
)

// MaskStatus describes how a mask file on disk compares to its history record.
type MaskStatus int

const (
	// MaskIntact means the file matches the recorded hash.
	MaskIntact MaskStatus = iota
	// MaskModified means the file changed after it was saved.
	MaskModified
	// MaskMissing means the file no longer exists.
	MaskMissing
)

func (s MaskStatus) String() string {
	switch s {
	case MaskIntact:
		return "intact"
	case MaskModified:
		return "modified"
	case MaskMissing:
		return "missing"
	default:
		return fmt.Sprintf("MaskStatus(%d)", int(s))
	}
}

// VerifyMask re-hashes the mask file recorded by m.
func VerifyMask(m *SavedMask) (MaskStatus, error) {
	data, err := os.ReadFile(m.MaskPath)
	if errors.Is(err, os.ErrNotExist) {
		return MaskMissing, nil
	}
	if err != nil {
		return MaskMissing, fmt.Errorf("read mask %s: %w", m.MaskPath, err)
	}
	if int64(len(data)) != m.MaskSize || blake2b.Sum256(data) != m.MaskHash {
		return MaskModified, nil
	}
	return MaskIntact, nil
}

// VerifyLatest checks the newest record of every image and returns the
// records whose files are no longer intact, keyed by status.
func (s *Store) VerifyLatest(ctx context.Context) (map[MaskStatus][]SavedMask, error) {
	all, err := s.RecentMasks(ctx, 0)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	bad := make(map[MaskStatus][]SavedMask)
	for _, m := range all {
		if seen[m.ImagePath] {
			continue
		}
		seen[m.ImagePath] = true

		status, err := VerifyMask(&m)
		if err != nil {
			return nil, err
		}
		if status != MaskIntact {
			bad[status] = append(bad[status], m)
		}
	}
	return bad, nil
}
