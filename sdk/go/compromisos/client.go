// Package compromisos is the Go client for the cge service. It carries no
// dependencies beyond the standard library so downstream callers can embed
// it without inheriting the service stack.
package compromisos

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const APIVersion = "v1"

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type Error struct {
	StatusCode int
	ErrorCode  string
	Message    string
	RequestID  string
	Details    map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("compromisos sdk error: status=%d code=%s message=%s", e.StatusCode, e.ErrorCode, e.Message)
}

// ActorContext identifies who performs a mutation and carries the
// idempotency key the service uses to deduplicate retries.
type ActorContext struct {
	ActorID        string `json:"actor_id"`
	Role           string `json:"role"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type Agreement struct {
	ID               string         `json:"id,omitempty"`
	Year             int            `json:"year,omitempty"`
	Status           string         `json:"status,omitempty"`
	CommitmentType   string         `json:"commitment_type,omitempty"`
	OrganizationName string         `json:"organization_name,omitempty"`
	Raw              map[string]any `json:"-"`
}

type Evaluation struct {
	Compliance     *float64       `json:"compliance"`
	Classification string         `json:"classification"`
	Period         string         `json:"period"`
	Raw            map[string]any `json:"-"`
}

type WeightWarning struct {
	SheetID string  `json:"sheet_id"`
	Period  string  `json:"period"`
	Sum     float64 `json:"sum"`
}

type RollupResult struct {
	Rollup  *float64         `json:"rollup"`
	Targets []map[string]any `json:"targets,omitempty"`
	Raw     map[string]any   `json:"-"`
}

type ReportResult struct {
	Target   map[string]any  `json:"target"`
	Rollup   *float64        `json:"rollup"`
	Warnings []WeightWarning `json:"warnings,omitempty"`
	Raw      map[string]any  `json:"-"`
}

type TransitionResult struct {
	Status   string         `json:"status"`
	Versions int            `json:"versions"`
	Raw      map[string]any `json:"-"`
}

type VersionSummary struct {
	VersionID string         `json:"version_id"`
	Seq       int            `json:"seq"`
	Author    string         `json:"author"`
	Reason    string         `json:"reason"`
	Hash      string         `json:"hash"`
	Raw       map[string]any `json:"-"`
}

type CreateAgreementRequest struct {
	Year             int    `json:"year,omitempty"`
	Scope            string `json:"scope,omitempty"`
	CommitmentType   string `json:"commitment_type,omitempty"`
	OrganizationType string `json:"organization_type,omitempty"`
	OrganizationName string `json:"organization_name,omitempty"`
	ValidFrom        string `json:"valid_from,omitempty"`
	ValidTo          string `json:"valid_to,omitempty"`
	Object           string `json:"object,omitempty"`
	SigningParties   string `json:"signing_parties,omitempty"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryConfig
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

func WithRetry(cfg RetryConfig) Option {
	return func(c *Client) { c.retry = cfg }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retry:      RetryConfig{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.retry.MaxAttempts < 1 {
		c.retry.MaxAttempts = 1
	}
	if c.retry.BaseDelay <= 0 {
		c.retry.BaseDelay = 200 * time.Millisecond
	}
	if c.retry.MaxDelay <= 0 {
		c.retry.MaxDelay = 5 * time.Second
	}
	return c
}

func NewIdempotencyKey() string { return newNonce() }

// EvaluateTarget evaluates a target without persisting it. The target map
// uses the service's wire field names (objective, reported, direction, ...).
func (c *Client) EvaluateTarget(ctx context.Context, target map[string]any) (*Evaluation, error) {
	payload, err := c.do(ctx, http.MethodPost, "/cge/targets:evaluate", map[string]any{"target": target}, true)
	if err != nil {
		return nil, err
	}
	ev := &Evaluation{Raw: payload}
	ev.Compliance = floatPtr(payload["compliance"])
	ev.Classification, _ = payload["classification"].(string)
	ev.Period, _ = payload["period"].(string)
	return ev, nil
}

func (c *Client) AllocateIdentifier(ctx context.Context, kind, scope string, year int) (string, error) {
	body := map[string]any{"kind": kind, "year": year}
	if strings.TrimSpace(scope) != "" {
		body["scope"] = scope
	}
	payload, err := c.do(ctx, http.MethodPost, "/cge/identifiers:allocate", body, false)
	if err != nil {
		return "", err
	}
	code, _ := payload["code"].(string)
	return code, nil
}

func (c *Client) CreateAgreement(ctx context.Context, ac ActorContext, req CreateAgreementRequest) (*Agreement, error) {
	if strings.TrimSpace(ac.IdempotencyKey) == "" {
		return nil, errors.New("idempotency key is required for createAgreement")
	}
	body := map[string]any{
		"actor_context":     ac,
		"year":              req.Year,
		"scope":             req.Scope,
		"commitment_type":   req.CommitmentType,
		"organization_type": req.OrganizationType,
		"organization_name": req.OrganizationName,
		"valid_from":        req.ValidFrom,
		"valid_to":          req.ValidTo,
		"object":            req.Object,
		"signing_parties":   req.SigningParties,
	}
	payload, err := c.do(ctx, http.MethodPost, "/cge/agreements", body, false)
	if err != nil {
		return nil, err
	}
	return parseAgreement(payload), nil
}

func (c *Client) GetAgreement(ctx context.Context, agreementID string) (*Agreement, error) {
	payload, err := c.do(ctx, http.MethodGet, "/cge/agreements/"+url.PathEscape(agreementID), nil, true)
	if err != nil {
		return nil, err
	}
	return parseAgreement(payload), nil
}

func (c *Client) AddSheet(ctx context.Context, ac ActorContext, agreementID string, sheet map[string]any) (map[string]any, error) {
	if strings.TrimSpace(ac.IdempotencyKey) == "" {
		return nil, errors.New("idempotency key is required for addSheet")
	}
	path := "/cge/agreements/" + url.PathEscape(agreementID) + "/sheets"
	payload, err := c.do(ctx, http.MethodPost, path, map[string]any{"actor_context": ac, "sheet": sheet}, false)
	if err != nil {
		return nil, err
	}
	if s, ok := payload["sheet"].(map[string]any); ok {
		return s, nil
	}
	return payload, nil
}

func (c *Client) AddTarget(ctx context.Context, ac ActorContext, agreementID, sheetID string, target map[string]any) (map[string]any, []WeightWarning, error) {
	if strings.TrimSpace(ac.IdempotencyKey) == "" {
		return nil, nil, errors.New("idempotency key is required for addTarget")
	}
	path := "/cge/agreements/" + url.PathEscape(agreementID) + "/sheets/" + url.PathEscape(sheetID) + "/targets"
	payload, err := c.do(ctx, http.MethodPost, path, map[string]any{"actor_context": ac, "target": target}, false)
	if err != nil {
		return nil, nil, err
	}
	tg, _ := payload["target"].(map[string]any)
	return tg, parseWarnings(payload["warnings"]), nil
}

func (c *Client) ReportValue(ctx context.Context, ac ActorContext, agreementID, targetID, reported, status string) (*ReportResult, error) {
	if strings.TrimSpace(ac.IdempotencyKey) == "" {
		return nil, errors.New("idempotency key is required for reportValue")
	}
	body := map[string]any{"actor_context": ac, "reported": reported}
	if strings.TrimSpace(status) != "" {
		body["status"] = status
	}
	path := "/cge/agreements/" + url.PathEscape(agreementID) + "/targets/" + url.PathEscape(targetID) + ":report"
	payload, err := c.do(ctx, http.MethodPost, path, body, false)
	if err != nil {
		return nil, err
	}
	r := &ReportResult{Raw: payload}
	r.Target, _ = payload["target"].(map[string]any)
	r.Rollup = floatPtr(payload["rollup"])
	r.Warnings = parseWarnings(payload["warnings"])
	return r, nil
}

func (c *Client) Weights(ctx context.Context, agreementID string) ([]WeightWarning, error) {
	payload, err := c.do(ctx, http.MethodGet, "/cge/agreements/"+url.PathEscape(agreementID)+"/weights", nil, true)
	if err != nil {
		return nil, err
	}
	return parseWarnings(payload["warnings"]), nil
}

func (c *Client) Rollup(ctx context.Context, agreementID string) (*RollupResult, error) {
	payload, err := c.do(ctx, http.MethodGet, "/cge/agreements/"+url.PathEscape(agreementID)+"/rollup", nil, true)
	if err != nil {
		return nil, err
	}
	r := &RollupResult{Raw: payload}
	r.Rollup = floatPtr(payload["rollup"])
	if ts, ok := payload["targets"].([]any); ok {
		for _, t := range ts {
			if m, ok := t.(map[string]any); ok {
				r.Targets = append(r.Targets, m)
			}
		}
	}
	return r, nil
}

func (c *Client) Transition(ctx context.Context, ac ActorContext, agreementID, from, to, comment string) (*TransitionResult, error) {
	if strings.TrimSpace(ac.IdempotencyKey) == "" {
		return nil, errors.New("idempotency key is required for transition")
	}
	body := map[string]any{"actor_context": ac, "from": from, "to": to}
	if strings.TrimSpace(comment) != "" {
		body["comment"] = comment
	}
	path := "/cge/agreements/" + url.PathEscape(agreementID) + ":transition"
	payload, err := c.do(ctx, http.MethodPost, path, body, false)
	if err != nil {
		return nil, err
	}
	r := &TransitionResult{Raw: payload}
	r.Status, _ = payload["status"].(string)
	if n := floatPtr(payload["versions"]); n != nil {
		r.Versions = int(*n)
	}
	return r, nil
}

func (c *Client) Transitions(ctx context.Context, agreementID string) ([]map[string]any, error) {
	payload, err := c.do(ctx, http.MethodGet, "/cge/agreements/"+url.PathEscape(agreementID)+"/transitions", nil, true)
	if err != nil {
		return nil, err
	}
	return mapSlice(payload["transitions"]), nil
}

func (c *Client) Versions(ctx context.Context, agreementID string) ([]VersionSummary, error) {
	payload, err := c.do(ctx, http.MethodGet, "/cge/agreements/"+url.PathEscape(agreementID)+"/versions", nil, true)
	if err != nil {
		return nil, err
	}
	var out []VersionSummary
	for _, raw := range mapSlice(payload["versions"]) {
		out = append(out, parseVersionSummary(raw))
	}
	return out, nil
}

func (c *Client) Version(ctx context.Context, agreementID string, seq int) (map[string]any, error) {
	path := "/cge/agreements/" + url.PathEscape(agreementID) + "/versions/" + strconv.Itoa(seq)
	payload, err := c.do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}
	if v, ok := payload["version"].(map[string]any); ok {
		return v, nil
	}
	return payload, nil
}

func (c *Client) Snapshot(ctx context.Context, ac ActorContext, agreementID, reason string) (*VersionSummary, error) {
	body := map[string]any{"actor_context": ac}
	if strings.TrimSpace(reason) != "" {
		body["reason"] = reason
	}
	path := "/cge/agreements/" + url.PathEscape(agreementID) + "/snapshot"
	payload, err := c.do(ctx, http.MethodPost, path, body, false)
	if err != nil {
		return nil, err
	}
	raw, _ := payload["version"].(map[string]any)
	if raw == nil {
		raw = payload
	}
	v := parseVersionSummary(raw)
	return &v, nil
}

func (c *Client) Events(ctx context.Context, agreementID string) ([]map[string]any, error) {
	payload, err := c.do(ctx, http.MethodGet, "/cge/agreements/"+url.PathEscape(agreementID)+"/events", nil, true)
	if err != nil {
		return nil, err
	}
	return mapSlice(payload["events"]), nil
}

func (c *Client) Metrics(ctx context.Context, year int) (map[string]any, error) {
	path := "/cge/metrics"
	if year != 0 {
		v := url.Values{}
		v.Set("year", strconv.Itoa(year))
		path += "?" + v.Encode()
	}
	payload, err := c.do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return nil, err
	}
	if m, ok := payload["metrics"].(map[string]any); ok {
		return m, nil
	}
	return payload, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, retryable bool) (map[string]any, error) {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	attempts := 1
	if retryable {
		attempts = c.retry.MaxAttempts
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(bodyBytes))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "compromisos-go-sdk/0.1.0 (api:"+APIVersion+")")
		if len(bodyBytes) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < attempts {
				sleepWithBackoff(c.retry, attempt, "")
				continue
			}
			return nil, err
		}
		respBody, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			var obj map[string]any
			if len(respBody) == 0 {
				return map[string]any{}, nil
			}
			if err := json.Unmarshal(respBody, &obj); err != nil {
				return nil, err
			}
			return obj, nil
		}
		if shouldRetryStatus(resp.StatusCode) && attempt < attempts {
			sleepWithBackoff(c.retry, attempt, resp.Header.Get("Retry-After"))
			continue
		}
		return nil, parseSDKError(resp.StatusCode, respBody)
	}
	return nil, errors.New("unreachable")
}

func shouldRetryStatus(status int) bool {
	return status == 429 || status == 502 || status == 503 || status == 504
}

func sleepWithBackoff(cfg RetryConfig, attempt int, retryAfter string) {
	if strings.TrimSpace(retryAfter) != "" {
		if sec, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil {
			d := time.Duration(sec) * time.Second
			if d > cfg.MaxDelay {
				d = cfg.MaxDelay
			}
			time.Sleep(d)
			return
		}
	}
	max := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	if max > float64(cfg.MaxDelay) {
		max = float64(cfg.MaxDelay)
	}
	n, _ := rand.Int(rand.Reader, bigInt(int64(max)))
	time.Sleep(time.Duration(n.Int64()))
}

// parseSDKError understands the service envelope:
// {"request_id":..., "error":{"code","message","details"}}.
func parseSDKError(status int, body []byte) error {
	out := &Error{StatusCode: status}
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		out.Message = strings.TrimSpace(string(body))
		if out.Message == "" {
			out.Message = http.StatusText(status)
		}
		return out
	}
	out.RequestID, _ = obj["request_id"].(string)
	if inner, ok := obj["error"].(map[string]any); ok {
		obj = inner
	}
	out.ErrorCode, _ = obj["code"].(string)
	if out.ErrorCode == "" {
		out.ErrorCode, _ = obj["error_code"].(string)
	}
	out.Message, _ = obj["message"].(string)
	if d, ok := obj["details"].(map[string]any); ok {
		out.Details = d
	}
	if out.Message == "" {
		out.Message = http.StatusText(status)
	}
	return out
}

func parseAgreement(payload map[string]any) *Agreement {
	raw, _ := payload["agreement"].(map[string]any)
	if raw == nil {
		raw = payload
	}
	a := &Agreement{Raw: raw}
	a.ID, _ = raw["id"].(string)
	if n := floatPtr(raw["year"]); n != nil {
		a.Year = int(*n)
	}
	a.Status, _ = raw["status"].(string)
	a.CommitmentType, _ = raw["commitment_type"].(string)
	a.OrganizationName, _ = raw["organization_name"].(string)
	return a
}

func parseVersionSummary(raw map[string]any) VersionSummary {
	v := VersionSummary{Raw: raw}
	v.VersionID, _ = raw["version_id"].(string)
	if n := floatPtr(raw["seq"]); n != nil {
		v.Seq = int(*n)
	}
	v.Author, _ = raw["author"].(string)
	v.Reason, _ = raw["reason"].(string)
	v.Hash, _ = raw["hash"].(string)
	return v
}

func parseWarnings(v any) []WeightWarning {
	var out []WeightWarning
	for _, raw := range mapSlice(v) {
		w := WeightWarning{}
		w.SheetID, _ = raw["sheet_id"].(string)
		w.Period, _ = raw["period"].(string)
		if n := floatPtr(raw["sum"]); n != nil {
			w.Sum = *n
		}
		out = append(out, w)
	}
	return out
}

func mapSlice(v any) []map[string]any {
	items, _ := v.([]any)
	var out []map[string]any
	for _, it := range items {
		if m, ok := it.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func floatPtr(v any) *float64 {
	switch n := v.(type) {
	case float64:
		return &n
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return nil
		}
		return &f
	}
	return nil
}

func newNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func bigInt(v int64) *big.Int {
	if v <= 1 {
		v = 1
	}
	return big.NewInt(v)
}
