package assets

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/oschwald/maxminddb-golang/v2"
)

// OpenMaxMindDB 打开 GeoLite2-Country 数据库；.zst 文件先解压到同目录
func OpenMaxMindDB(dbPath string) (*maxminddb.Reader, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("maxmind数据库路径未配置")
	}

	mmdbPath := dbPath
	if strings.HasSuffix(dbPath, ".zst") {
		mmdbPath = strings.TrimSuffix(dbPath, ".zst")
		// TODO: 压缩文件更新后应重新解压，目前只判断是否存在
		if _, err := os.Stat(mmdbPath); os.IsNotExist(err) {
			if err := decompressZstd(dbPath, mmdbPath); err != nil {
				return nil, err
			}
			slog.Debug("maxmind数据库已解压", "路径", mmdbPath)
		}
	}

	db, err := maxminddb.Open(mmdbPath)
	if err != nil {
		return nil, fmt.Errorf("maxmind数据库打开失败: %w", err)
	}
	return db, nil
}

func decompressZstd(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("打开压缩文件失败: %w", err)
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return fmt.Errorf("zstd解码器创建失败: %w", err)
	}
	defer dec.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("maxmind数据库文件创建失败: %w", err)
	}
	if _, err := io.Copy(out, dec); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("maxmind数据库文件解压失败: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("关闭数据库文件失败: %w", err)
	}
	return os.Rename(tmp, dst)
}
