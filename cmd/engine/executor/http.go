package executor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/miniflow/engine/cmd/engine/faults"
	"github.com/miniflow/engine/cmd/engine/models"
	"github.com/miniflow/engine/cmd/engine/security"
	"github.com/miniflow/engine/cmd/engine/template"
	"github.com/miniflow/engine/common/logger"
)

// binaryPreviewLimit bounds the base64 preview of a binary response.
const binaryPreviewLimit = 10000

// HTTPAction executes http_action, webhook_action and api_consumer
// nodes: one outbound request with configurable auth, retries and
// response handling.
type HTTPAction struct {
	log    *logger.Logger
	guard  *security.URLGuard
	client *http.Client

	// Retry delays; the schedule is fixed but the base durations are
	// fields so tests run without real sleeps.
	simpleRetryDelay time.Duration
	expRetryBase     time.Duration
}

// NewHTTPAction creates the outbound executor with the given per-request
// timeout.
func NewHTTPAction(log *logger.Logger, guard *security.URLGuard, timeout time.Duration) *HTTPAction {
	return &HTTPAction{
		log:              log,
		guard:            guard,
		client:           &http.Client{Timeout: timeout},
		simpleRetryDelay: time.Second,
		expRetryBase:     500 * time.Millisecond,
	}
}

// Execute satisfies the registry Func signature.
func (h *HTTPAction) Execute(rc *RunContext, node *models.Node, input any) (any, error) {
	cfg, err := node.DecodeHTTP()
	if err != nil {
		return nil, faults.Wrap(faults.KindValidation, err)
	}
	return h.Do(rc.Ctx, cfg, input, rc.Outputs)
}

// TestRequest runs a bare request config outside any workflow, for the
// editor's connection test button.
func (h *HTTPAction) TestRequest(ctx context.Context, data map[string]any, input any) (any, error) {
	cfg, err := models.DecodeHTTPConfig(data)
	if err != nil {
		return nil, faults.Wrap(faults.KindValidation, err)
	}
	return h.Do(ctx, cfg, input, nil)
}

// Do performs the configured request and shapes the response.
func (h *HTTPAction) Do(ctx context.Context, cfg *models.HTTPConfig, input any, outputs map[string]any) (any, error) {
	if cfg.URL == "" {
		return nil, faults.New(faults.KindValidation, "no url configured")
	}
	if err := h.guard.Validate(cfg.URL); err != nil {
		return nil, faults.Wrap(faults.KindValidation, err)
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}

	headers := normalizeStringMap(cfg.Headers)
	query := normalizeStringMap(cfg.QueryParams)
	body, contentType, err := h.buildBody(cfg.Body, input, outputs)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(cfg.AuthType, "oauth2") {
		token, err := h.fetchOAuthToken(ctx, cfg)
		if err != nil {
			return nil, err
		}
		headers = setHeader(headers, "Authorization", "Bearer "+token)
	}

	attempts, delay := h.retrySchedule(cfg.RetryPolicy)

	var resp *http.Response
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay(attempt - 1)):
			case <-ctx.Done():
				return nil, faults.Wrap(faults.KindAborted, ctx.Err())
			}
		}

		req, err := h.buildRequest(ctx, method, cfg, headers, query, body, contentType)
		if err != nil {
			return nil, err
		}

		// Only transport failures are retried; any response, error
		// status included, ends the loop.
		resp, lastErr = h.client.Do(req)
		if lastErr != nil {
			h.log.Warn("outbound request failed", "url", cfg.URL, "attempt", attempt+1, "error", lastErr)
			continue
		}
		break
	}

	if resp == nil {
		return nil, faults.New(faults.KindTransport, "request to %s failed after %d attempts: %v", cfg.URL, attempts, lastErr)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransport, err)
	}

	full := shapeResponse(cfg.ResponseHandling, raw, resp.Header.Get("Content-Type"))
	return map[string]any{
		"status_code":      resp.StatusCode,
		"full_response":    full,
		"response_summary": models.Summarize(full),
		"details": map[string]any{
			"url":    cfg.URL,
			"method": method,
		},
	}, nil
}

func (h *HTTPAction) buildRequest(ctx context.Context, method string, cfg *models.HTTPConfig, headers, query map[string]string, body []byte, contentType string) (*http.Request, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, reader)
	if err != nil {
		return nil, faults.Wrap(faults.KindValidation, err)
	}

	q := req.URL.Query()
	for k, v := range query {
		q.Set(k, v)
	}

	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if len(body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", contentType)
	}

	switch strings.ToLower(cfg.AuthType) {
	case "", "none", "oauth2":
		// oauth2 is applied up front via the token header.
	case "api_key":
		if strings.EqualFold(cfg.APIKeyLocation, "query") {
			q.Set(cfg.APIKeyName, cfg.APIKeyValue)
		} else {
			req.Header.Set(cfg.APIKeyName, cfg.APIKeyValue)
		}
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+cfg.BearerToken)
	case "basic":
		req.SetBasicAuth(cfg.BasicUsername, cfg.BasicPassword)
	default:
		return nil, faults.New(faults.KindValidation, "unknown auth_type %q", cfg.AuthType)
	}

	req.URL.RawQuery = q.Encode()
	return req, nil
}

// buildBody renders the request body. A string body is a template with
// {{input_data}} bound to the node's input; a composite body is sent
// as JSON unchanged.
func (h *HTTPAction) buildBody(body any, input any, outputs map[string]any) ([]byte, string, error) {
	switch b := body.(type) {
	case nil:
		return nil, "", nil
	case string:
		if strings.TrimSpace(b) == "" {
			return nil, "", nil
		}
		vars := map[string]any{"input_data": input}
		for id, out := range outputs {
			vars[id] = out
		}
		rendered, missing := template.Render(b, vars)
		if len(missing) > 0 {
			h.log.Warn("body template references undefined values", "missing", strings.Join(missing, ","))
		}
		contentType := "text/plain"
		if json.Valid([]byte(rendered)) {
			contentType = "application/json"
		}
		return []byte(rendered), contentType, nil
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, "", faults.Wrap(faults.KindValidation, err)
		}
		return raw, "application/json", nil
	}
}

// retrySchedule maps a policy name to attempt count and backoff.
func (h *HTTPAction) retrySchedule(policy string) (int, func(retry int) time.Duration) {
	switch strings.ToLower(policy) {
	case "simple":
		return 4, func(int) time.Duration { return h.simpleRetryDelay }
	case "exponential":
		return 6, func(retry int) time.Duration { return h.expRetryBase << retry }
	default:
		return 1, func(int) time.Duration { return 0 }
	}
}

// fetchOAuthToken performs a client_credentials grant against the
// configured token endpoint.
func (h *HTTPAction) fetchOAuthToken(ctx context.Context, cfg *models.HTTPConfig) (string, error) {
	if cfg.OAuthTokenURL == "" {
		return "", faults.New(faults.KindValidation, "oauth2 auth requires oauth_token_url")
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", cfg.OAuthClientID)
	form.Set("client_secret", cfg.OAuthClientSecret)
	if cfg.OAuthScope != "" {
		form.Set("scope", cfg.OAuthScope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.OAuthTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", faults.Wrap(faults.KindValidation, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", faults.Wrap(faults.KindTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", faults.Wrap(faults.KindTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", faults.New(faults.KindAuthentication, "token endpoint returned %d: %s", resp.StatusCode, models.Summarize(string(raw)))
	}

	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(raw, &token); err != nil || token.AccessToken == "" {
		return "", faults.New(faults.KindAuthentication, "token endpoint returned no access_token")
	}
	return token.AccessToken, nil
}

// shapeResponse converts the raw body per the node's response_handling.
func shapeResponse(handling string, raw []byte, contentType string) any {
	switch strings.ToLower(handling) {
	case "text":
		return string(raw)
	case "binary":
		preview := raw
		truncated := false
		if len(preview) > binaryPreviewLimit {
			preview = preview[:binaryPreviewLimit]
			truncated = true
		}
		return map[string]any{
			"content_type":   contentType,
			"content_length": len(raw),
			"base64_preview": base64.StdEncoding.EncodeToString(preview),
			"truncated":      truncated,
		}
	default:
		// json, falling back to text on a malformed body.
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return string(raw)
		}
		return parsed
	}
}

// normalizeStringMap tolerates both object and JSON-string forms of the
// headers and query_params fields.
func normalizeStringMap(v any) map[string]string {
	switch m := v.(type) {
	case nil:
		return nil
	case map[string]string:
		return m
	case map[string]any:
		out := make(map[string]string, len(m))
		for k, val := range m {
			if s, ok := val.(string); ok {
				out[k] = s
			} else {
				out[k] = toJSON(val)
			}
		}
		return out
	case string:
		if strings.TrimSpace(m) == "" {
			return nil
		}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(m), &decoded); err != nil {
			return nil
		}
		return normalizeStringMap(decoded)
	default:
		return nil
	}
}

func setHeader(headers map[string]string, key, value string) map[string]string {
	if headers == nil {
		headers = make(map[string]string, 1)
	}
	headers[key] = value
	return headers
}
