package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MakerMaker19/meerkat-catalog/pkg/servers"
)

const (
	headerNetzone    = "x-pm-netzone"
	headerTruncation = "x-pm-response-truncation-permitted"

	maxErrorBody = 1024
	maxListBody  = 64 << 20
)

// HTTPTransport implements Transport against the catalog REST API.
type HTTPTransport struct {
	baseURL    string
	httpClient *http.Client
	userAgent  string
	log        *zap.Logger
}

func NewHTTPTransport(baseURL string, httpClient *http.Client, log *zap.Logger) *HTTPTransport {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		userAgent:  "meerkat-catalog",
		log:        log.Named("transport"),
	}
}

func (t *HTTPTransport) FetchLogicalList(ctx context.Context, lr ListRequest) (*ListResponse, error) {
	path := "/vpn/v1/logicals"
	if lr.WithStatus {
		path = "/vpn/v2/logicals"
	}

	q := url.Values{}
	q.Set("WithState", "true")
	if len(lr.Protocols) > 0 {
		q.Set("Protocols", strings.Join(lr.Protocols, ","))
	}
	if lr.FreeOnly {
		q.Set("Tier", "0")
	}
	if lr.TruncationEnabled {
		for _, id := range lr.MustHaveIDs {
			q.Add("IncludeID", id)
		}
	}

	req, err := t.newRequest(ctx, path, q)
	if err != nil {
		return nil, err
	}
	if lr.Netzone != "" {
		req.Header.Set(headerNetzone, lr.Netzone)
	}
	if lr.TruncationEnabled {
		req.Header.Set(headerTruncation, "true")
	}
	if lr.Lang != "" {
		req.Header.Set("Accept-Language", lr.Lang)
	}
	if !lr.LastModified.IsZero() {
		req.Header.Set("If-Modified-Since", lr.LastModified.UTC().Format(http.TimeFormat))
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &ListResponse{StatusCode: resp.StatusCode}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if ts, err := http.ParseTime(lm); err == nil {
			out.LastModified = ts
		} else {
			t.log.Debug("ignoring unparsable Last-Modified", zap.String("value", lm))
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		out.Message = readErrorMessage(resp.Body)
		return out, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListBody))
	if err != nil {
		return nil, fmt.Errorf("read logicals body: %w", err)
	}
	out.Body = body
	return out, nil
}

func (t *HTTPTransport) FetchStatusBlob(ctx context.Context, statusID string) ([]byte, error) {
	req, err := t.newRequest(ctx, "/vpn/v2/status/"+url.PathEscape(statusID)+"/binary", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/octet-stream")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Code: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}
	blob, err := io.ReadAll(io.LimitReader(resp.Body, maxListBody))
	if err != nil {
		return nil, fmt.Errorf("read status blob: %w", err)
	}
	return blob, nil
}

func (t *HTTPTransport) FetchLoads(ctx context.Context, netzone string, freeOnly bool) ([]servers.LoadUpdate, error) {
	q := url.Values{}
	if freeOnly {
		q.Set("Tier", "0")
	}
	req, err := t.newRequest(ctx, "/vpn/loads", q)
	if err != nil {
		return nil, err
	}
	if netzone != "" {
		req.Header.Set(headerNetzone, netzone)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Code: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}

	var payload servers.LoadsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode loads response: %w", err)
	}
	return payload.ToLoadUpdates(), nil
}

func (t *HTTPTransport) newRequest(ctx context.Context, path string, q url.Values) (*http.Request, error) {
	u := t.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", t.userAgent)
	return req, nil
}

// readErrorMessage extracts the API error message, falling back to the
// raw body text.
func readErrorMessage(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var apiErr struct {
		Code  int    `json:"Code"`
		Error string `json:"Error"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error != "" {
		return apiErr.Error
	}
	return strings.TrimSpace(string(body))
}
