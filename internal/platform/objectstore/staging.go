package objectstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
)

// DefinitionFile is the well-known object name of a product definition
// inside its staging path.
const DefinitionFile = "graph.yaml"

// Definition points at one product's staged definition artifact.
type Definition struct {
	ProductID string
	Key       string
	ETag      string
	Size      int64
}

// StagingStore is a read-only view over the staging bucket. Definitions are
// keyed by product path: <prefix><product_id>/graph.yaml.
type StagingStore struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewStagingStore(client *minio.Client, cfg Config) (*StagingStore, error) {
	if client == nil {
		return nil, fmt.Errorf("minio client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	prefix := strings.TrimSpace(cfg.StagingPrefix)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &StagingStore{
		client: client,
		bucket: cfg.BucketStaging,
		prefix: prefix,
	}, nil
}

// List returns every staged product definition in deterministic order.
// Objects outside the <product>/graph.yaml layout are ignored.
func (s *StagingStore) List(ctx context.Context) ([]Definition, error) {
	opts := minio.ListObjectsOptions{
		Prefix:    s.prefix,
		Recursive: true,
	}

	out := make([]Definition, 0)
	for object := range s.client.ListObjects(ctx, s.bucket, opts) {
		if object.Err != nil {
			return nil, fmt.Errorf("list staging objects: %w", object.Err)
		}
		rel := strings.TrimPrefix(object.Key, s.prefix)
		dir, file := path.Split(rel)
		if file != DefinitionFile {
			continue
		}
		productID := strings.Trim(dir, "/")
		if productID == "" || strings.Contains(productID, "/") {
			continue
		}
		out = append(out, Definition{
			ProductID: productID,
			Key:       object.Key,
			ETag:      object.ETag,
			Size:      object.Size,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

// Fetch reads the full content of a staged definition object.
func (s *StagingStore) Fetch(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get staging object %s: %w", key, err)
	}
	defer obj.Close()

	raw, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read staging object %s: %w", key, err)
	}
	return raw, nil
}
