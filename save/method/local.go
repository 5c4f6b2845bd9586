package method

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// LocalSaver 写入本地目录
type LocalSaver struct {
	OutputPath string
}

func NewLocalSaver(outputPath string) *LocalSaver {
	return &LocalSaver{OutputPath: outputPath}
}

// Upload 先写临时文件再重命名
func (ls *LocalSaver) Upload(_ context.Context, data []byte, filename string) error {
	if err := validateInput(data, filename); err != nil {
		return err
	}
	if err := os.MkdirAll(ls.OutputPath, dirMode); err != nil {
		return fmt.Errorf("创建目录失败 [%s]: %w", ls.OutputPath, err)
	}

	path := filepath.Join(ls.OutputPath, filename)
	if err := WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("写入文件失败 [%s]: %w", filename, err)
	}
	slog.Debug("保存订阅文件成功", "路径", path)
	return nil
}

// WriteFileAtomic 同目录临时文件 + rename，避免读到半截内容
func WriteFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, fileMode); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
