package mediawiki

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/textproto"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"wikishard/pkg/contract"
)

// Options: MediaWiki Action API 导入配置。
type Options struct {
	// APIURL: api.php 完整地址（Special:Version 页面可查）。
	APIURL   string `json:"api_url"`
	Username string `json:"username"`
	// Password 明文（仅测试用）；为空时读取 PasswordEnv。
	Password    string `json:"password"`
	PasswordEnv string `json:"password_env"`
	// InterwikiPrefix: 上传导入必填的跨维基前缀。
	InterwikiPrefix string `json:"interwiki_prefix"`
	Summary         string `json:"summary"`
	UserAgent       string `json:"user_agent"`
	TimeoutSeconds  int    `json:"timeout_seconds"`
	// ExtraParams: 追加到 action=import 的表单字段（如 assignknownusers、maxlag）。
	ExtraParams map[string]string `json:"extra_params"`
}

func (o *Options) defaults() {
	if o.PasswordEnv == "" {
		o.PasswordEnv = "MW_PASSWORD"
	}
	if o.Summary == "" {
		o.Summary = "Import xml dump"
	}
	if o.UserAgent == "" {
		o.UserAgent = "wikishard/1 (xml import)"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 600
	}
}

// Client 维护一个登录会话（cookie）与缓存的 CSRF token。
type Client struct {
	url      string
	username string
	password string
	prefix   string
	summary  string
	ua       string
	extra    map[string]string
	do       func(*http.Request) (*http.Response, error)

	mu       sync.Mutex
	loggedIn bool
	csrf     string
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&opts); err != nil {
			return nil, fmt.Errorf("mediawiki options: %w", err)
		}
	}
	opts.defaults()
	u, err := url.Parse(opts.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("mediawiki: %w: api_url %q", contract.ErrInvalidInput, opts.APIURL)
	}
	pw := opts.Password
	if pw == "" {
		pw = os.Getenv(opts.PasswordEnv)
	}
	if opts.Username != "" && pw == "" {
		return nil, fmt.Errorf("mediawiki: %w: missing password (set %s)", contract.ErrInvalidInput, opts.PasswordEnv)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	hc := &http.Client{Jar: jar, Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	return &Client{
		url:      opts.APIURL,
		username: opts.Username,
		password: pw,
		prefix:   opts.InterwikiPrefix,
		summary:  opts.Summary,
		ua:       opts.UserAgent,
		extra:    opts.ExtraParams,
		do:       hc.Do,
	}, nil
}

var _ contract.Importer = (*Client)(nil)

// upstreamError 实现 net.Error，5xx/408 归为网络类错误。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string {
	return fmt.Sprintf("mediawiki upstream %d: %s", e.status, e.msg)
}
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// apiError: 响应体中的 {"error":{...}}。
type apiError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

// Submit 上传一个分片。token 失效时刷新一次后重发，其余失败原样返回。
// 重发需要重新读取载荷，故仅当 r 可 Seek 时进行。
func (c *Client) Submit(ctx context.Context, id contract.ArtifactID, r io.Reader) (contract.ImportResult, error) {
	token, err := c.session(ctx, false)
	if err != nil {
		return contract.ImportResult{}, err
	}
	res, err := c.upload(ctx, token, r)
	var rej *contract.RejectedError
	if errors.As(err, &rej) && rej.Code == "badtoken" {
		if s, ok := r.(io.Seeker); ok {
			if _, serr := s.Seek(0, io.SeekStart); serr == nil {
				if token, err = c.session(ctx, true); err != nil {
					return contract.ImportResult{}, err
				}
				res, err = c.upload(ctx, token, r)
			}
		}
	}
	if err != nil {
		return contract.ImportResult{}, fmt.Errorf("import %s: %w", id, err)
	}
	return res, nil
}

// session 确保已登录并返回 CSRF token；refresh 为 true 时重新获取。
func (c *Client) session(ctx context.Context, refresh bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.csrf != "" && !refresh {
		return c.csrf, nil
	}
	if c.username != "" && (!c.loggedIn || refresh) {
		if err := c.login(ctx); err != nil {
			return "", err
		}
		c.loggedIn = true
	}
	tok, err := c.token(ctx, "csrf")
	if err != nil {
		return "", err
	}
	c.csrf = tok
	return tok, nil
}

func (c *Client) token(ctx context.Context, typ string) (string, error) {
	q := url.Values{"action": {"query"}, "meta": {"tokens"}, "type": {typ}, "format": {"json"}}
	var out struct {
		Query struct {
			Tokens map[string]string `json:"tokens"`
		} `json:"query"`
		Error *apiError `json:"error"`
	}
	if err := c.call(ctx, http.MethodGet, q, &out); err != nil {
		return "", err
	}
	if out.Error != nil {
		return "", &contract.RejectedError{Code: out.Error.Code, Info: out.Error.Info}
	}
	tok := out.Query.Tokens[typ+"token"]
	if tok == "" {
		return "", fmt.Errorf("mediawiki: no %s token: %w", typ, contract.ErrResponseInvalid)
	}
	return tok, nil
}

func (c *Client) login(ctx context.Context) error {
	lt, err := c.token(ctx, "login")
	if err != nil {
		return err
	}
	form := url.Values{
		"action":     {"login"},
		"lgname":     {c.username},
		"lgpassword": {c.password},
		"lgtoken":    {lt},
		"format":     {"json"},
	}
	var out struct {
		Login struct {
			Result string `json:"result"`
			Reason string `json:"reason"`
		} `json:"login"`
		Error *apiError `json:"error"`
	}
	if err := c.call(ctx, http.MethodPost, form, &out); err != nil {
		return err
	}
	if out.Error != nil {
		return &contract.RejectedError{Code: out.Error.Code, Info: out.Error.Info}
	}
	if out.Login.Result != "Success" {
		return &contract.RejectedError{Code: "login", Info: strings.TrimSpace(out.Login.Result + " " + out.Login.Reason)}
	}
	return nil
}

// call 发送 GET（查询串）或 POST（表单）并解码 JSON 响应。
func (c *Client) call(ctx context.Context, method string, v url.Values, out any) error {
	var (
		req *http.Request
		err error
	)
	if method == http.MethodGet {
		req, err = http.NewRequestWithContext(ctx, method, c.url+"?"+v.Encode(), nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.url, strings.NewReader(v.Encode()))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	resp, err := c.send(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	}
	return nil
}

// send 执行请求并把非 200 映射为错误。
func (c *Client) send(ctx context.Context, req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", c.ua)
	req.Header.Set("Accept", "application/json")
	resp, err := c.do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
		return nil, err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		return nil, contract.ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, upstreamError{status: resp.StatusCode, msg: strings.TrimSpace(string(slurp))}
	}
	return resp, nil
}

// upload 以 multipart/form-data 流式上传：字段 xml，文件名 dump.xml。
func (c *Client) upload(ctx context.Context, token string, r io.Reader) (contract.ImportResult, error) {
	var head bytes.Buffer
	mw := multipart.NewWriter(&head)
	fields := [][2]string{
		{"action", "import"},
		{"format", "json"},
		{"summary", c.summary},
	}
	if c.prefix != "" {
		fields = append(fields, [2]string{"interwikiprefix", c.prefix})
	}
	for k, v := range c.extra {
		fields = append(fields, [2]string{k, v})
	}
	// token 放在最后。
	fields = append(fields, [2]string{"token", token})
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return contract.ImportResult{}, err
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="xml"; filename="dump.xml"`)
	h.Set("Content-Type", "application/xml")
	if _, err := mw.CreatePart(h); err != nil {
		return contract.ImportResult{}, err
	}
	pre := append([]byte(nil), head.Bytes()...)
	head.Reset()
	if err := mw.Close(); err != nil {
		return contract.ImportResult{}, err
	}
	post := head.Bytes()

	body := io.MultiReader(bytes.NewReader(pre), r, bytes.NewReader(post))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return contract.ImportResult{}, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	if n := payloadSize(r); n >= 0 {
		req.ContentLength = int64(len(pre)) + n + int64(len(post))
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.send(ctx, req)
	if err != nil {
		return contract.ImportResult{}, err
	}
	defer resp.Body.Close()
	return decodeImport(resp.Body)
}

// decodeImport 解析 action=import 响应。
func decodeImport(r io.Reader) (contract.ImportResult, error) {
	var out struct {
		Import []struct {
			Title     string `json:"title"`
			Revisions int    `json:"revisions"`
		} `json:"import"`
		Error *apiError `json:"error"`
	}
	var raw map[string]json.RawMessage
	b, err := io.ReadAll(io.LimitReader(r, 32<<20))
	if err != nil {
		return contract.ImportResult{}, err
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return contract.ImportResult{}, fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return contract.ImportResult{}, fmt.Errorf("decode: %w", contract.ErrResponseInvalid)
	}
	if out.Error != nil {
		if out.Error.Code == "maxlag" || out.Error.Code == "ratelimited" {
			return contract.ImportResult{}, fmt.Errorf("%s: %s: %w", out.Error.Code, out.Error.Info, contract.ErrRateLimited)
		}
		return contract.ImportResult{}, &contract.RejectedError{Code: out.Error.Code, Info: out.Error.Info}
	}
	if _, ok := raw["import"]; !ok {
		return contract.ImportResult{}, &contract.RejectedError{Info: "response has no import result"}
	}
	res := contract.ImportResult{Pages: len(out.Import)}
	for _, p := range out.Import {
		res.Revisions += p.Revisions
	}
	return res, nil
}

// payloadSize 尽力获取剩余载荷长度；未知时返回 -1（分块传输）。
func payloadSize(r io.Reader) int64 {
	switch v := r.(type) {
	case interface{ Len() int }:
		return int64(v.Len())
	case *os.File:
		fi, err := v.Stat()
		if err != nil || !fi.Mode().IsRegular() {
			return -1
		}
		off, err := v.Seek(0, io.SeekCurrent)
		if err != nil {
			return -1
		}
		return fi.Size() - off
	}
	return -1
}
