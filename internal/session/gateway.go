package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Mirai3103/sandbox-runner/internal/config"
	"github.com/Mirai3103/sandbox-runner/internal/logger"
	"github.com/Mirai3103/sandbox-runner/internal/models"
)

// Gateway is the remote side that owns kernels.
type Gateway interface {
	CreateSession(ctx context.Context, kernelType string) (string, error)
	// Alive reports whether the session still exists. An error means the
	// gateway could not be asked.
	Alive(ctx context.Context, sessionID string) (bool, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Execute(ctx context.Context, sessionID, code string) (*ExecuteReply, error)
}

// ExecuteRequest is the body of an execute call.
type ExecuteRequest struct {
	Code         string `json:"code"`
	Silent       bool   `json:"silent"`
	StoreHistory bool   `json:"store_history"`
	AllowStdin   bool   `json:"allow_stdin"`
}

// Output is one fragment of an execute reply.
type Output struct {
	OutputType string               `json:"output_type"` // stream | execute_result | display_data | error
	Name       string               `json:"name,omitempty"`
	Text       multiline            `json:"text,omitempty"`
	Data       map[string]multiline `json:"data,omitempty"`
	EName      string               `json:"ename,omitempty"`
	EValue     string               `json:"evalue,omitempty"`
	Traceback  []string             `json:"traceback,omitempty"`
}

// ExecuteReply lists output fragments in arrival order.
type ExecuteReply struct {
	Outputs []Output `json:"outputs"`
}

// multiline accepts both "text" and ["te", "xt"]. Any other JSON value
// (rich mime bundles) decodes to the empty string.
type multiline string

func (m *multiline) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*m = multiline(s)
		return nil
	}
	var parts []string
	if err := json.Unmarshal(b, &parts); err != nil {
		*m = ""
		return nil
	}
	*m = multiline(strings.Join(parts, ""))
	return nil
}

// HTTPGateway talks to a notebook-style kernel gateway over HTTP.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

// NewHTTPGateway creates a gateway client for cfg.URL.
func NewHTTPGateway(cfg config.GatewayConfig, log *zap.Logger) *HTTPGateway {
	timeout := time.Duration(cfg.RequestTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     logger.OrNop(log).Named("gateway"),
	}
}

func (g *HTTPGateway) CreateSession(ctx context.Context, kernelType string) (string, error) {
	var created struct {
		ID string `json:"id"`
	}
	status, err := g.do(ctx, http.MethodPost, "/api/kernels", map[string]string{"name": kernelType}, &created)
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return "", unavailable(fmt.Errorf("create session: unexpected status %d", status))
	}
	if created.ID == "" {
		return "", malformed(errors.New("create session: response has no id"))
	}
	return created.ID, nil
}

func (g *HTTPGateway) Alive(ctx context.Context, sessionID string) (bool, error) {
	status, err := g.do(ctx, http.MethodGet, "/api/kernels/"+url.PathEscape(sessionID), nil, nil)
	if err != nil {
		return false, err
	}
	switch {
	case status == http.StatusNotFound:
		return false, nil
	case status >= 200 && status <= 299:
		return true, nil
	default:
		return false, unavailable(fmt.Errorf("liveness check: unexpected status %d", status))
	}
}

func (g *HTTPGateway) DeleteSession(ctx context.Context, sessionID string) error {
	status, err := g.do(ctx, http.MethodDelete, "/api/kernels/"+url.PathEscape(sessionID), nil, nil)
	if err != nil {
		return err
	}
	if status == http.StatusNotFound || (status >= 200 && status <= 299) {
		return nil
	}
	return unavailable(fmt.Errorf("delete session: unexpected status %d", status))
}

func (g *HTTPGateway) Execute(ctx context.Context, sessionID, code string) (*ExecuteReply, error) {
	body := ExecuteRequest{Code: code, Silent: false, StoreHistory: true, AllowStdin: false}
	var reply ExecuteReply
	status, err := g.do(ctx, http.MethodPost, "/api/kernels/"+url.PathEscape(sessionID)+"/execute", body, &reply)
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return nil, unavailable(fmt.Errorf("execute: unexpected status %d", status))
	}
	if err := reply.validate(); err != nil {
		return nil, malformed(err)
	}
	return &reply, nil
}

func (r *ExecuteReply) validate() error {
	if r.Outputs == nil {
		return errors.New("response has no outputs")
	}
	for i, o := range r.Outputs {
		switch o.OutputType {
		case "stream", "execute_result", "display_data":
		case "error":
			if o.EName == "" && o.EValue == "" && len(o.Traceback) == 0 {
				return fmt.Errorf("output %d: error fragment is empty", i)
			}
		case "":
			return fmt.Errorf("output %d: missing output_type", i)
		}
	}
	return nil
}

// do sends body as JSON and decodes a 2xx response into out. Transport
// failures become gateway-unavailable errors, or timeouts when ctx expired.
func (g *HTTPGateway) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, models.WrapError(err, models.KindInternal, "encode request")
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return 0, models.WrapError(err, models.KindInternal, "build request failed")
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		var netErr net.Error
		if ctx.Err() != nil || (errors.As(err, &netErr) && netErr.Timeout()) {
			return 0, models.WrapError(err, models.KindTimeout, "gateway call timed out")
		}
		g.log.Warn("gateway request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return 0, unavailable(err)
	}
	defer func() { _ = resp.Body.Close() }()
	g.log.Debug("gateway request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if out == nil || resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, malformed(fmt.Errorf("decode response: %w", err))
	}
	return resp.StatusCode, nil
}

func unavailable(err error) error {
	return models.WrapError(err, models.KindGatewayUnavailable, "execution gateway unavailable")
}

func malformed(err error) error {
	return models.WrapError(err, models.KindMalformedResponse, "malformed gateway response")
}
