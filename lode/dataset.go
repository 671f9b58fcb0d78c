package lode

import (
	"context"
	"strings"

	"github.com/justapithecus/lode/lode"
)

// NewReadDataset creates a Lode Dataset for reading.
// Uses the same codec and layout as the write path to ensure compatibility.
func NewReadDataset(dataset string, factory lode.StoreFactory) (lode.Dataset, error) {
	if dataset == "" {
		dataset = DefaultDataset
	}
	ds, err := newDataset(dataset, factory)
	if err != nil {
		return nil, WrapInitError(err, dataset)
	}
	return ds, nil
}

// NewReadDatasetFS creates a read Dataset with filesystem storage.
func NewReadDatasetFS(dataset, rootPath string) (lode.Dataset, error) {
	return NewReadDataset(dataset, lode.NewFSFactory(rootPath))
}

// NewReadDatasetS3 creates a read Dataset with S3 storage.
func NewReadDatasetS3(ctx context.Context, dataset string, s3cfg S3Config) (lode.Dataset, error) {
	factory, err := NewS3Factory(ctx, s3cfg)
	if err != nil {
		return nil, WrapInitError(err, dataset)
	}
	return NewReadDataset(dataset, factory)
}

// snapshotMatchesFilter checks if a snapshot's file paths match
// the given partition key=value filter.
func snapshotMatchesFilter(snap *lode.DatasetSnapshot, key, value string) bool {
	if value == "" {
		return true
	}
	if snap == nil || snap.Manifest == nil {
		return false
	}
	for _, f := range snap.Manifest.Files {
		if matchesPartitionValue(f.Path, key, value) {
			return true
		}
	}
	return false
}

// matchesPartitionValue checks if a Hive-partitioned path contains an exact
// key=value segment. This avoids substring false positives
// (e.g., run_id=run-1 matching run_id=run-10).
func matchesPartitionValue(path, key, value string) bool {
	segment := key + "=" + value
	for part := range strings.SplitSeq(path, "/") {
		if part == segment {
			return true
		}
	}
	return false
}
