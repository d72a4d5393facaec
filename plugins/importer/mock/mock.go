package mock

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"wikishard/pkg/contract"
	"wikishard/plugins/parser/mwxml"
)

// Options: 离线导入（演练与测试）。
type Options struct {
	// Reject: 这些分片名会被拒绝（模拟远端应用层错误）。
	Reject []string `json:"reject,omitempty"`
	// SaveDir: 非空时把收到的载荷另存到该目录（文件名同分片名）。
	SaveDir string `json:"save_dir,omitempty"`
}

// Importer 按结构标记统计页面与修订数，不访问网络。
type Importer struct {
	reject  map[string]struct{}
	saveDir string

	mu       sync.Mutex
	received []contract.ArtifactID
}

// New 构造 mock Importer。
func New(raw json.RawMessage) (*Importer, error) {
	var o Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	m := &Importer{reject: map[string]struct{}{}, saveDir: o.SaveDir}
	for _, id := range o.Reject {
		m.reject[id] = struct{}{}
	}
	return m, nil
}

var _ contract.Importer = (*Importer)(nil)

// Submit 实现 contract.Importer。
func (m *Importer) Submit(ctx context.Context, id contract.ArtifactID, r io.Reader) (contract.ImportResult, error) {
	if err := ctx.Err(); err != nil {
		return contract.ImportResult{}, err
	}
	var res contract.ImportResult
	var sink io.Writer = io.Discard
	if m.saveDir != "" {
		if err := os.MkdirAll(m.saveDir, 0o755); err != nil {
			return res, err
		}
		f, err := os.Create(filepath.Join(m.saveDir, filepath.Base(string(id))))
		if err != nil {
			return res, err
		}
		defer f.Close()
		sink = f
	}
	br := bufio.NewReader(io.TeeReader(r, sink))
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			ev, _ := mwxml.Classify(line)
			if ev.Has(mwxml.PageOpen) {
				res.Pages++
			}
			if ev.Has(mwxml.RevisionOpen) {
				res.Revisions++
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return contract.ImportResult{}, err
		}
	}
	m.mu.Lock()
	m.received = append(m.received, id)
	m.mu.Unlock()
	if _, ok := m.reject[string(id)]; ok {
		return contract.ImportResult{}, &contract.RejectedError{Code: "mock", Info: "rejected " + string(id)}
	}
	return res, nil
}

// Received 返回已收到的分片名（按到达顺序）。
func (m *Importer) Received() []contract.ArtifactID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]contract.ArtifactID(nil), m.received...)
}
