// +build !rocksdb

package blobstore

import "errors"

// RocksDBStorage stub when RocksDB is not available.
type RocksDBStorage struct{}

// NewRocksDBStorage returns an error when RocksDB is not compiled in.
func NewRocksDBStorage(path string) (*RocksDBStorage, error) {
	return nil, errors.New("blobstore: RocksDB support not compiled in, rebuild with '-tags rocksdb'")
}

func (r *RocksDBStorage) Store(key string, value []byte) error  { return errors.New("blobstore: RocksDB not available") }
func (r *RocksDBStorage) Retrieve(key string) ([]byte, error)   { return nil, errors.New("blobstore: RocksDB not available") }
func (r *RocksDBStorage) Delete(key string) error               { return errors.New("blobstore: RocksDB not available") }
func (r *RocksDBStorage) List(prefix string) ([]string, error)  { return nil, errors.New("blobstore: RocksDB not available") }
func (r *RocksDBStorage) Close() error                          { return nil }

var _ Storage = (*RocksDBStorage)(nil)
