package useapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"loom/internal/fileutil"
	"loom/internal/lane"
	"loom/internal/services"
)

const (
	defaultHTTPTimeout   = 120 * time.Second
	defaultRetryAttempts = 3
	defaultRetryDelay    = 2 * time.Second
	maxResponseBytes     = 4 << 20
)

// Config captures the runtime settings required to talk to useapi.net.
type Config struct {
	Token          string
	MidjourneyURL  string
	FaceSwapURL    string
	PikaURL        string
	ReplyURL       string
	Discord        string
	Server         string
	Channel        string
	MaxJobs        int
	TimeoutSeconds int
}

// Client submits jobs and retrieves assets.
type Client struct {
	cfg        Config
	httpClient *http.Client

	retryMaxAttempts int
	retryDelay       time.Duration
	sleeper          lane.Sleeper
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetryMaxAttempts overrides the connection attempt bound (defaults to 3).
func WithRetryMaxAttempts(attempts int) Option {
	return func(c *Client) {
		if attempts > 0 {
			c.retryMaxAttempts = attempts
		}
	}
}

// WithRetryDelay overrides the pause between connection attempts.
func WithRetryDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.retryDelay = delay
	}
}

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleeper lane.Sleeper) Option {
	return func(c *Client) {
		if sleeper != nil {
			c.sleeper = sleeper
		}
	}
}

// NewClient constructs a client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	cfg.Token = strings.TrimSpace(cfg.Token)
	client := &Client{
		cfg:              cfg,
		httpClient:       &http.Client{Timeout: timeout},
		retryMaxAttempts: defaultRetryAttempts,
		retryDelay:       defaultRetryDelay,
		sleeper:          lane.SleepContext,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Request is one outbound submission. Exactly one of JSON and Form is set.
type Request struct {
	Channel  string
	Endpoint string
	JSON     map[string]any
	Form     *Form
}

// Form is a multipart body.
type Form struct {
	Fields map[string]string
	Files  map[string]string // form field -> local file path
}

// Describe renders the request for logs and the journal without file contents.
func (r Request) Describe() string {
	if r.Form != nil {
		keys := make([]string, 0, len(r.Form.Files))
		for k := range r.Form.Files {
			keys = append(keys, k+"="+filepath.Base(r.Form.Files[k]))
		}
		sort.Strings(keys)
		return fmt.Sprintf("POST %s multipart %s", r.Endpoint, strings.Join(keys, ","))
	}
	return "POST " + r.Endpoint + " json"
}

// Response is the outcome of a submission that reached the server.
type Response struct {
	StatusCode int
	Job        Job
	Body       []byte
	// DecodeErr is set when the body was not a job document (for example an
	// HTML gateway error page).
	DecodeErr error
}

// Submit posts req, retrying only connection-level failures. Exhausting the
// attempts returns an error marked services.ErrTransport.
func (c *Client) Submit(ctx context.Context, req Request) (*Response, error) {
	op := "post " + req.Endpoint
	if strings.TrimSpace(req.Endpoint) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "useapi", "post", "", errors.New("endpoint is not configured"))
	}
	resp, err := c.do(ctx, op, func() (*http.Request, error) { return c.buildRequest(ctx, req) })
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, services.Wrap(services.ErrTransport, "useapi", op, "read response", err)
	}
	out := &Response{StatusCode: resp.StatusCode, Body: body}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &out.Job); err != nil {
			out.DecodeErr = fmt.Errorf("decode response: %w", err)
		}
	}
	return out, nil
}

// Download retrieves rawURL into dest atomically and returns the bytes written.
// Attachment URLs are third-party CDN links, so no credentials are sent.
func (c *Client) Download(ctx context.Context, rawURL, dest string) (int64, error) {
	op := "get " + rawURL
	resp, err := c.do(ctx, op, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	})
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, services.Wrap(services.ErrRemote, "useapi", op, fmt.Sprintf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))), nil)
	}
	n, err := fileutil.WriteStreamAtomic(dest, resp.Body, 0o644)
	if err != nil {
		return 0, fmt.Errorf("save asset: %w", err)
	}
	return n, nil
}

func (c *Client) do(ctx context.Context, op string, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error
	for attempt := 1; attempt <= c.retryMaxAttempts; attempt++ {
		httpReq, err := build()
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "useapi", op, "build request", err)
		}
		resp, err := c.httpClient.Do(httpReq)
		if err == nil {
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", op, ctxErr)
		}
		lastErr = err
		if attempt < c.retryMaxAttempts {
			if err := c.sleeper(ctx, c.retryDelay); err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
		}
	}
	return nil, services.Wrap(services.ErrTransport, "useapi", op,
		fmt.Sprintf("%d attempts failed", c.retryMaxAttempts), lastErr)
}

func (c *Client) buildRequest(ctx context.Context, req Request) (*http.Request, error) {
	var (
		body        io.Reader
		contentType string
	)
	switch {
	case req.Form != nil:
		buf, ct, err := encodeForm(req.Form)
		if err != nil {
			return nil, err
		}
		body, contentType = buf, ct
	default:
		payload, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("encode json body: %w", err)
		}
		body, contentType = bytes.NewReader(payload), "application/json"
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "application/json")
	return httpReq, nil
}

func encodeForm(form *Form) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, key := range sortedKeys(form.Fields) {
		if err := w.WriteField(key, form.Fields[key]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", key, err)
		}
	}
	for _, field := range sortedKeys(form.Files) {
		if err := writeFilePart(w, field, form.Files[field]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func writeFilePart(w *multipart.Writer, field, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open %s for %s: %w", filePath, field, err)
	}
	defer file.Close()

	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(filePath)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filepath.Base(filePath)))
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create part %s: %w", field, err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("copy %s: %w", filePath, err)
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// AssetFileName builds <prefix>-<suffix>.<ext> with the extension taken from
// the URL path, defaulting to png.
func AssetFileName(prefix, suffix, rawURL string) string {
	ext := "png"
	if parsed, err := url.Parse(rawURL); err == nil {
		if e := strings.TrimPrefix(path.Ext(parsed.Path), "."); e != "" {
			ext = strings.ToLower(e)
		}
	}
	return fmt.Sprintf("%s-%s.%s", prefix, suffix, ext)
}
