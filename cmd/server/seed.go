package main

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"lumina-iq/internal/service"
	"lumina-iq/pkg/log"
)

// seedDocuments 扫描目录下的 PDF 并通过标准上传流程入库（幂等，重复文件按哈希跳过）。
func seedDocuments(ctx context.Context, dir string, documents service.DocumentService) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		log.Infof("seedDocuments: 目录 '%s' 不存在或不可用，跳过初始化导入", dir)
		return
	}

	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".pdf") {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			log.Warnf("seedDocuments: 读取文件失败: %s, err=%v", path, err)
			return nil
		}
		res, err := documents.Upload(ctx, nil, d.Name(), data, false)
		if err != nil {
			log.Warnf("seedDocuments: 导入失败: %s, err=%v", path, err)
			return nil
		}
		log.Infof("seedDocuments: %s (%s, chunks=%d)", d.Name(), res.Message, res.Chunks)
		return nil
	})
	if walkErr != nil {
		log.Warnf("seedDocuments: 遍历目录发生错误: %v", walkErr)
	}
}
