// Package save 保存扫描结果、扫描历史以及渲染后的订阅文件
package save

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/sinspired/subs-scan/check"
	"github.com/sinspired/subs-scan/save/method"
)

const (
	nodesFile   = "nodes.json"
	historyFile = "history.json"

	SubBase64File = "base64.txt"
	SubClashFile  = "clash.yaml"
)

// Store 数据目录下的 JSON 存储，同时把订阅文件同步到 Mirror
type Store struct {
	dir string
	mu  sync.Mutex

	mirrorMu sync.RWMutex
	mirror   method.Uploader
}

// NewStore 创建数据目录
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string { return s.dir }

// SetMirror 设置订阅文件的保存方式，nil 表示不同步
func (s *Store) SetMirror(u method.Uploader) {
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()
	s.mirror = u
}

// SaveNodes 写入 nodes.json，成功后同步订阅文件
func (s *Store) SaveNodes(ctx context.Context, result check.ScanResult) error {
	if result.Nodes == nil {
		result.Nodes = []check.NodeRecord{}
	}
	if err := s.writeJSON(nodesFile, result); err != nil {
		return fmt.Errorf("保存节点失败: %w", err)
	}
	s.syncMirror(ctx, result.Nodes)
	return nil
}

// LoadNodes 文件不存在时返回空结果
func (s *Store) LoadNodes() (check.ScanResult, error) {
	var r check.ScanResult
	found, err := s.readJSON(nodesFile, &r)
	if err != nil {
		return check.ScanResult{}, fmt.Errorf("读取节点失败: %w", err)
	}
	if !found || r.Nodes == nil {
		r.Nodes = []check.NodeRecord{}
	}
	return r, nil
}

// Clear 清空节点池
func (s *Store) Clear(ctx context.Context) error {
	return s.SaveNodes(ctx, check.NewScanResult(nil))
}

func (s *Store) SaveHistory(_ context.Context, h check.ScanHistory) error {
	if err := s.writeJSON(historyFile, h); err != nil {
		return fmt.Errorf("保存扫描历史失败: %w", err)
	}
	return nil
}

// LoadHistory 没有历史时返回 nil
func (s *Store) LoadHistory() (*check.ScanHistory, error) {
	var h check.ScanHistory
	found, err := s.readJSON(historyFile, &h)
	if err != nil {
		return nil, fmt.Errorf("读取扫描历史失败: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &h, nil
}

func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return method.WriteFileAtomic(filepath.Join(s.dir, name), data)
}

func (s *Store) readJSON(name string, v any) (bool, error) {
	s.mu.Lock()
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	s.mu.Unlock()
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

// syncMirror 渲染订阅文件并上传，失败只记录日志
func (s *Store) syncMirror(ctx context.Context, nodes []check.NodeRecord) {
	s.mirrorMu.RLock()
	mirror := s.mirror
	s.mirrorMu.RUnlock()
	if mirror == nil {
		return
	}

	if b64 := RenderBase64(nodes); b64 != "" {
		if err := mirror.Upload(ctx, []byte(b64), SubBase64File); err != nil {
			slog.Error(fmt.Sprintf("保存 %s 失败: %v", SubBase64File, err))
		}
	}
	clash, err := RenderClash(nodes)
	if err != nil {
		slog.Error(fmt.Sprintf("生成 %s 失败: %v", SubClashFile, err))
		return
	}
	if len(clash) > 0 {
		if err := mirror.Upload(ctx, clash, SubClashFile); err != nil {
			slog.Error(fmt.Sprintf("保存 %s 失败: %v", SubClashFile, err))
		}
	}
}
