// Package blob mirrors archive state onto the objects behind file entities.
package blob

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/tags"

	"labtrack/internal/store"
)

const archivedTag = "archived"

// ObjectTagger is the subset of the MinIO client the tagger calls.
type ObjectTagger interface {
	PutObjectTagging(ctx context.Context, bucket, object string, otags *tags.Tags, opts minio.PutObjectTaggingOptions) error
	RemoveObjectTagging(ctx context.Context, bucket, object string, opts minio.RemoveObjectTaggingOptions) error
}

// NewClient connects to an S3-compatible endpoint.
func NewClient(endpoint, accessKey, secretKey string, useTLS bool) (*minio.Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return client, nil
}

// ArchiveTagger tags the object of an archived file entity so lifecycle rules
// in object storage can expire it, and removes the tag on restore. Entities
// of other types, or files without a bucket and key, are ignored.
type ArchiveTagger struct {
	client ObjectTagger
}

func NewArchiveTagger(client ObjectTagger) *ArchiveTagger {
	return &ArchiveTagger{client: client}
}

func (t *ArchiveTagger) OnArchive(ctx context.Context, e store.Entity) error {
	bucket, key, ok := objectRef(e)
	if !ok {
		return nil
	}
	objectTags, err := tags.NewTags(map[string]string{archivedTag: "true"}, true)
	if err != nil {
		return fmt.Errorf("build tags: %w", err)
	}
	if err := t.client.PutObjectTagging(ctx, bucket, key, objectTags, minio.PutObjectTaggingOptions{}); err != nil {
		return fmt.Errorf("tag %s/%s: %w", bucket, key, err)
	}
	return nil
}

func (t *ArchiveTagger) OnRestore(ctx context.Context, e store.Entity) error {
	bucket, key, ok := objectRef(e)
	if !ok {
		return nil
	}
	if err := t.client.RemoveObjectTagging(ctx, bucket, key, minio.RemoveObjectTaggingOptions{}); err != nil {
		return fmt.Errorf("untag %s/%s: %w", bucket, key, err)
	}
	return nil
}

func objectRef(e store.Entity) (string, string, bool) {
	if e.Type != store.TypeFile {
		return "", "", false
	}
	bucket, _ := e.Fields["bucket"].(string)
	key, _ := e.Fields["key"].(string)
	bucket, key = strings.TrimSpace(bucket), strings.TrimSpace(key)
	if bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}
