package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FSStore writes blobs below a local directory. Metadata is stored next to
// each blob in a ".meta.json" sidecar.
type FSStore struct {
	dir string
}

var _ Store = (*FSStore)(nil)

// NewFSStore creates the root directory if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating blob directory %s: %w", dir, err)
	}
	return &FSStore{dir: dir}, nil
}

// Put writes obj under the store directory.
func (s *FSStore) Put(ctx context.Context, obj Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := filepath.Join(s.dir, filepath.FromSlash(obj.Key))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", obj.Key, err)
	}
	if err := os.WriteFile(target, obj.Data, 0o644); err != nil {
		return fmt.Errorf("writing blob %s: %w", obj.Key, err)
	}

	meta := map[string]string{"contentType": obj.ContentType}
	for k, v := range obj.Metadata {
		meta[k] = v
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding metadata for %s: %w", obj.Key, err)
	}
	if err := os.WriteFile(target+".meta.json", raw, 0o644); err != nil {
		return fmt.Errorf("writing metadata for %s: %w", obj.Key, err)
	}
	return nil
}
