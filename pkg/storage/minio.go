// Package storage提供了与对象存储服务（如 MinIO）交互的功能。
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"lumina-iq/internal/config"
	"lumina-iq/pkg/apperr"
	"lumina-iq/pkg/log"
	"lumina-iq/pkg/metrics"
)

// MinioStore 把上传的 PDF 原文件保存在 MinIO 中，后台任务据此重新读取文件。
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewMinioStore(ctx context.Context, cfg config.MinIOConfig) (*MinioStore, error) {
	// 1. 初始化 MinIO 客户端
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}
	log.Info("MinIO 客户端初始化成功")

	// 2. 检查存储桶 (Bucket) 是否存在，如果不存在则创建
	bucketName := cfg.BucketName
	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", bucketName)
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
		log.Infof("存储桶 '%s' 创建成功", bucketName)
	} else {
		log.Infof("存储桶 '%s' 已存在", bucketName)
	}
	return &MinioStore{client: client, bucket: bucketName}, nil
}

func (s *MinioStore) Name() string { return "minio" }

// Put 上传对象。
func (s *MinioStore) Put(ctx context.Context, key string, data []byte, contentType string) (err error) {
	defer observe(time.Now(), &err)
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, "storage.Put", err)
	}
	return nil
}

// Get 下载整个对象。
func (s *MinioStore) Get(ctx context.Context, key string) (data []byte, err error) {
	defer observe(time.Now(), &err)
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, "storage.Get", err)
	}
	defer obj.Close()
	data, err = io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, apperr.New(apperr.NotFound, "storage.Get", "stored file not found")
		}
		return nil, apperr.Wrap(apperr.UpstreamUnavailable, "storage.Get", err)
	}
	return data, nil
}

// Delete 删除对象，对象不存在时不报错。
func (s *MinioStore) Delete(ctx context.Context, key string) (err error) {
	defer observe(time.Now(), &err)
	if err = s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, "storage.Delete", err)
	}
	return nil
}

// Ping 检查存储桶是否可访问。
func (s *MinioStore) Ping(ctx context.Context) error {
	ok, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return apperr.Wrap(apperr.UpstreamUnavailable, "storage.Ping", err)
	}
	if !ok {
		return apperr.New(apperr.UpstreamUnavailable, "storage.Ping", "bucket missing: "+s.bucket)
	}
	return nil
}

// GetPresignedURL generates a presigned URL for a given object.
func (s *MinioStore) GetPresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	presignedURL, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, nil)
	if err != nil {
		log.Errorf("Error generating presigned URL: %s", err)
		return "", err
	}
	return presignedURL.String(), nil
}

func observe(start time.Time, errp *error) {
	metrics.UpstreamCalls.WithLabelValues("minio", metrics.Outcome(*errp)).Inc()
	metrics.UpstreamDuration.WithLabelValues("minio").Observe(time.Since(start).Seconds())
}
