package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type localConfig struct {
	Dir       string `json:"dir"`
	PublicURL string `json:"public_url"`
}

type localStore struct {
	dir       string
	publicURL string
}

func init() {
	Register("local", createLocalStore)
}

func createLocalStore(args interface{}) (Store, error) {
	config := &localConfig{}
	if err := decodeConfig(args, config); err != nil {
		return nil, err
	}
	if config.Dir == "" {
		return nil, fmt.Errorf("local store dir is required")
	}
	return &localStore{dir: config.Dir, publicURL: config.PublicURL}, nil
}

func (s *localStore) Type() string {
	return "local"
}

func (s *localStore) URL(ctx context.Context, key, baseURL string, ttl time.Duration) (string, error) {
	if !ValidKey(key) {
		return "", fmt.Errorf("invalid file key")
	}
	if s.publicURL != "" {
		return strings.TrimSuffix(s.publicURL, "/") + "/" + key, nil
	}
	return strings.TrimSuffix(baseURL, "/") + "/api/v1/files/" + key, nil
}

func (s *localStore) Save(ctx context.Context, key string, r ReadSeekCloser, size int64) error {
	if !ValidKey(key) {
		return fmt.Errorf("invalid file key")
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return err
	}
	// write to a temp name first so readers never observe a partial file
	tmp, err := os.CreateTemp(s.dir, "."+key+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, filepath.Join(s.dir, key))
}

func (s *localStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if !ValidKey(key) {
		return nil, fmt.Errorf("invalid file key")
	}
	return os.Open(filepath.Join(s.dir, key))
}
