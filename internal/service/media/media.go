// Package media removes stored media resources when their owning message
// is purged. Upload and serving live outside the core; the sweep only
// needs deletion.
package media

import (
	"context"
	"os"
	"path/filepath"
)

type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// Delete removes the referenced file. A reference that is already gone is
// treated as deleted, keeping the sweep idempotent.
func (s *Store) Delete(ctx context.Context, ref string) error {
	path := filepath.Join(s.root, filepath.Base(ref))
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
