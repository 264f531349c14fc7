package storage

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"lumina-iq/pkg/apperr"
)

// LocalStore 是未配置 MinIO 时的本地目录实现，只适合单实例部署。
type LocalStore struct {
	dir string
}

func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &LocalStore{dir: dir}, nil
}

func (s *LocalStore) Name() string { return "local" }

// path 把 key 固定在 dir 之内。
func (s *LocalStore) path(key string) string {
	return filepath.Join(s.dir, filepath.FromSlash(path.Clean("/"+key)))
}

func (s *LocalStore) Put(_ context.Context, key string, data []byte, _ string) error {
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return apperr.Wrap(apperr.Internal, "storage.Put", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return apperr.Wrap(apperr.Internal, "storage.Put", err)
	}
	return nil
}

func (s *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	p := s.path(key)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, apperr.New(apperr.NotFound, "storage.Get", "stored file not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "storage.Get", err)
	}
	return data, nil
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	p := s.path(key)
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperr.Wrap(apperr.Internal, "storage.Delete", err)
	}
	return nil
}

func (s *LocalStore) Ping(context.Context) error {
	_, err := os.Stat(s.dir)
	return err
}
