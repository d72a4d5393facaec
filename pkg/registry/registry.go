package registry

import (
	"bytes"
	"encoding/json"

	"wikishard/pkg/contract"
	linear "wikishard/plugins/assembler/linear"
	flaky "wikishard/plugins/importer/flaky"
	mw "wikishard/plugins/importer/mediawiki"
	mock "wikishard/plugins/importer/mock"
	"wikishard/plugins/parser/mwxml"
	"wikishard/plugins/partitioner/greedy"
	rfs "wikishard/plugins/reader/filesystem"
	wfs "wikishard/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewParser 工厂签名：接收原样 JSON Options。
type NewParser func(raw json.RawMessage) (contract.Parser, error)

// NewPartitioner 工厂签名：接收原样 JSON Options。
type NewPartitioner func(raw json.RawMessage) (contract.Partitioner, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// NewImporter 工厂签名：接收原样 JSON Options。
type NewImporter func(raw json.RawMessage) (contract.Importer, error)

// NewAssembler 工厂签名：接收原样 JSON Options。
type NewAssembler func(raw json.RawMessage) (contract.Assembler, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 文件系统/STDIN Reader，透明解压 xz/gzip/bzip2
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Parser 工厂注册表。
var Parser = map[string]NewParser{
	// mwxml: MediaWiki XML 导出逐行解析
	"mwxml": func(raw json.RawMessage) (contract.Parser, error) {
		var opts mwxml.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return mwxml.New(&opts), nil
	},
}

// Partitioner 工厂注册表。
var Partitioner = map[string]NewPartitioner{
	"greedy": func(raw json.RawMessage) (contract.Partitioner, error) {
		var opts greedy.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return greedy.New(&opts), nil
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（原子替换可配置）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		w, err := wfs.New(&opts)
		if err != nil {
			return nil, err
		}
		return w, nil
	},
}

// Importer 工厂注册表。
var Importer = map[string]NewImporter{
	"mediawiki": func(raw json.RawMessage) (contract.Importer, error) { return importer[*mw.Client](mw.New(raw)) },
	"mock":      func(raw json.RawMessage) (contract.Importer, error) { return importer[*mock.Importer](mock.New(raw)) },
	"flaky":     func(raw json.RawMessage) (contract.Importer, error) { return importer[*flaky.Importer](flaky.New(raw)) },
}

// importer 避免把 nil 指针装入非 nil 接口。
func importer[T contract.Importer](v T, err error) (contract.Importer, error) {
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Assembler 工厂注册表。
var Assembler = map[string]NewAssembler{
	// linear: 按分片顺序还原，合并跨边界的拆分页面
	"linear": func(raw json.RawMessage) (contract.Assembler, error) { return linear.New(raw) },
}
