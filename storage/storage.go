package storage

import (
	"fmt"
	"io"
	"net/http"
	"os"
)

type StorageType uint8

const (
	StorageTypeFile StorageType = 0
	StorageTypeS3   StorageType = 1
)

// Bucket describes where event images are kept
type Bucket struct {
	Name        string // S3 bucket name
	StorageType StorageType
	Path        string // Path on a drive or a prefix in a S3 bucket
	Region      string
	Endpoint    string
	AuthDetails string // In case of S3 bucket - "key:secret"
}

type StorageAPI interface {
	Save(path string, reader io.Reader, mimeType string) (int64, error)
	Load(path string, writer io.Writer) (int64, error)
	Serve(path string, request *http.Request, writer http.ResponseWriter)
	Delete(path string) error
	GetFreeSpace() uint64
	GetBucket() *Bucket
}

func ParseStorageType(s string) (StorageType, error) {
	switch s {
	case "", "disk", "file":
		return StorageTypeFile, nil
	case "s3":
		return StorageTypeS3, nil
	}
	return 0, fmt.Errorf("unknown storage type %q", s)
}

// New creates the storage for the given bucket
func New(bucket *Bucket) (StorageAPI, error) {
	switch bucket.StorageType {
	case StorageTypeFile:
		if err := os.MkdirAll(bucket.Path, 0777); err != nil {
			return nil, err
		}
		return NewDiskStorage(bucket), nil
	case StorageTypeS3:
		return NewS3Storage(bucket)
	}
	return nil, fmt.Errorf("storage type unavailable for bucket %s", bucket.Name)
}
