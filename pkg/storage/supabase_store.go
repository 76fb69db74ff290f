package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	supastorage "github.com/supabase-community/storage-go"
)

// SupabaseStore implements ObjectStore on Supabase storage buckets.
type SupabaseStore struct {
	client  *supastorage.Client
	baseURL string
	bucket  string
	prefix  string
}

// NewSupabaseStore builds a client for projectURL (https://<ref>.supabase.co).
// prefix is prepended to every key, e.g. "books".
func NewSupabaseStore(projectURL, serviceKey, bucket, prefix string) (*SupabaseStore, error) {
	projectURL = strings.TrimRight(strings.TrimSpace(projectURL), "/")
	if projectURL == "" || strings.TrimSpace(serviceKey) == "" {
		return nil, errors.New("supabase url and key required")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("supabase bucket required")
	}
	return &SupabaseStore{
		client:  supastorage.NewClient(projectURL+"/storage/v1", serviceKey, nil),
		baseURL: projectURL,
		bucket:  bucket,
		prefix:  strings.Trim(prefix, "/"),
	}, nil
}

func (s *SupabaseStore) objectPath(key string) (string, error) {
	key, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	if s.prefix == "" {
		return key, nil
	}
	return s.prefix + "/" + key, nil
}

// Put uploads r and returns the object's public URL.
func (s *SupabaseStore) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string) (string, error) {
	objectPath, err := s.objectPath(key)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	opts := supastorage.FileOptions{ContentType: &contentType}
	if _, err := s.client.UploadFile(s.bucket, objectPath, r, opts); err != nil {
		return "", fmt.Errorf("supabase upload: %w", err)
	}
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, objectPath), nil
}

// Delete removes the object stored under key.
func (s *SupabaseStore) Delete(ctx context.Context, key string) error {
	objectPath, err := s.objectPath(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.client.RemoveFile(s.bucket, []string{objectPath}); err != nil {
		return fmt.Errorf("supabase delete: %w", err)
	}
	return nil
}
