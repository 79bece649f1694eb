package octree

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Resource names of an octree directory.
const (
	MetadataFile  = "metadata.json"
	HierarchyFile = "hierarchy.bin"
	PayloadFile   = "octree.bin"
)

// WriteDir writes the three resources of a build into dir, creating it if needed.
func WriteDir(dir string, res *BuildResult) (err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, MetadataFile))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res.Metadata); err != nil {
		return errors.Wrap(err, "writing octree metadata")
	}
	if err := os.WriteFile(filepath.Join(dir, HierarchyFile), res.Hierarchy, 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, PayloadFile), res.Payload, 0o644)
}

// ReadDir reads the metadata and hierarchy of an octree directory. The payload is left on disk.
func ReadDir(dir string) (*Hierarchy, error) {
	f, err := os.Open(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, err
	}
	meta, err := ReadMetadata(f)
	err = multierr.Combine(err, f.Close())
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, HierarchyFile))
	if err != nil {
		return nil, err
	}
	return DecodeHierarchy(meta, data)
}
