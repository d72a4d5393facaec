package config

import "encoding/json"

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 输入为当前目录下的 dump.xml，分片写入 cache/xml；
// - importer 使用 mediawiki，密码经 MW_PASSWORD 读取；
// - 选项包含全部键，值为安全中性默认。
func DefaultTemplateConfig() Config {
	d := Defaults()
	keep := false
	cfg := Config{
		Inputs:         []string{"dump.xml"},
		CacheDir:       d.CacheDir,
		Limits:         d.Limits,
		Concurrency:    4,
		MaxRetries:     d.MaxRetries,
		RetryBackoffMS: d.RetryBackoffMS,
		KeepGoing:      &keep,
		Logging:        Logging{Level: "info"},
		Index:          Index{Path: ""},
		ImportLimits:   ImportLimits{RPM: 30},
		Components:     d.Components,
	}
	cfg.Options.Reader = json.RawMessage(`{
  "buf_size": 65536,
  "exclude_dir_names": [".git"],
  "allow_exts": [".xml", ".xml.xz", ".xml.bz2", ".xml.gz"],
  "no_decompress": false
}`)
	cfg.Options.Parser = json.RawMessage(`{
  "buf_size": 1048576,
  "allow_invalid_utf8": false
}`)
	cfg.Options.Partitioner = json.RawMessage(`{
  "skip_validate": false
}`)
	// output_dir/max_bytes 缺省时由 cache_dir 与 limits.hard 推导
	cfg.Options.Writer = json.RawMessage(`{
  "atomic": true,
  "flat": true,
  "buf_size": 65536
}`)
	cfg.Options.Importer = json.RawMessage(`{
  "api_url": "http://localhost/w/api.php",
  "username": "",
  "password_env": "MW_PASSWORD",
  "interwiki_prefix": "en",
  "summary": "Import xml dump",
  "user_agent": "",
  "timeout_seconds": 600,
  "extra_params": {}
}`)
	cfg.Options.Assembler = json.RawMessage(`{
  "no_merge": false
}`)
	return cfg
}
