package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"wikishard/pkg/contract"
)

// TestStrictUnmarshal 验证严格解码逻辑。
func TestStrictUnmarshal(t *testing.T) {
	type opt struct {
		A int `json:"a"`
	}
	var o opt
	if err := strictUnmarshal(nil, &o); err != nil || o.A != 0 {
		t.Fatalf("nil 输入失败: %v", err)
	}
	if err := strictUnmarshal(json.RawMessage(`{"a":1}`), &o); err != nil || o.A != 1 {
		t.Fatalf("合法 JSON 解析失败: %v", err)
	}
	if err := strictUnmarshal(json.RawMessage(`{"a":1,"b":2}`), &o); err == nil {
		t.Fatalf("未知字段应报错")
	}
}

// TestFactories 遍历注册表入口：空选项可构造，未知字段报错。
func TestFactories(t *testing.T) {
	tmp := t.TempDir()
	type factory func(json.RawMessage) (any, error)
	cases := []struct {
		name string
		ok   json.RawMessage
		f    factory
	}{
		{"reader", nil, func(r json.RawMessage) (any, error) { return Reader["fs"](r) }},
		{"parser", nil, func(r json.RawMessage) (any, error) { return Parser["mwxml"](r) }},
		{"partitioner", nil, func(r json.RawMessage) (any, error) { return Partitioner["greedy"](r) }},
		{"writer", json.RawMessage(fmt.Sprintf(`{"output_dir":%q}`, tmp)), func(r json.RawMessage) (any, error) { return Writer["fs"](r) }},
		{"importer-mock", nil, func(r json.RawMessage) (any, error) { return Importer["mock"](r) }},
		{"importer-mediawiki", json.RawMessage(`{"api_url":"https://w.example/w/api.php"}`), func(r json.RawMessage) (any, error) { return Importer["mediawiki"](r) }},
		{"assembler", nil, func(r json.RawMessage) (any, error) { return Assembler["linear"](r) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.f(tc.ok); err != nil {
				t.Fatalf("%s: %v", tc.name, err)
			}
			if _, err := tc.f(json.RawMessage(`{"x":1}`)); err == nil {
				t.Fatalf("%s 未对未知字段报错", tc.name)
			}
		})
	}
	if _, err := Importer["flaky"](nil); err != nil {
		t.Fatalf("flaky: %v", err)
	}
	if _, err := Importer["mediawiki"](json.RawMessage(`{}`)); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("mediawiki 缺少 api_url 应报 ErrInvalidInput: %v", err)
	}
}
