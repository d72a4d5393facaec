package rate

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// DeriveKey 由 importer 名称与其原样 Options 构造限流分组键：
// 指向同一主机的导入共享额度；无 api_url 的离线实现按名称分组。
func DeriveKey(importer string, raw json.RawMessage) (LimitKey, error) {
	var obj struct {
		APIURL string `json:"api_url"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", fmt.Errorf("rate: options of %s: %w", importer, err)
		}
	}
	if strings.TrimSpace(obj.APIURL) == "" {
		if importer == "mediawiki" {
			return "", fmt.Errorf("rate: missing api_url for importer %s", importer)
		}
		return LimitKey(importer), nil
	}
	u, err := url.Parse(obj.APIURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("rate: invalid api_url %q", obj.APIURL)
	}
	return LimitKey(importer + ":" + strings.ToLower(u.Host)), nil
}
