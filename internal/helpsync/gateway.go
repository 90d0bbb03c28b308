package helpsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Gateway is the only path to the backing service. Implementations report
// failures as *NetworkError or *DecodeError and never retry on their own.
type Gateway interface {
	ListActive(ctx context.Context) ([]HelpRequest, error)
	Create(ctx context.Context, draft Draft) (HelpRequest, error)
	Update(ctx context.Context, id string, fields Fields) error
	Delete(ctx context.Context, id string) error
}

type HTTPGateway struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewHTTPGateway(baseURL, token string, httpClient *http.Client) *HTTPGateway {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPGateway{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
	}
}

func (g *HTTPGateway) ListActive(ctx context.Context) ([]HelpRequest, error) {
	const op = "list requests"
	payload, err := g.do(ctx, op, http.MethodGet, "/requests", nil)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return []HelpRequest{}, nil
	}
	s, err := loadSchemas()
	if err != nil {
		return nil, &DecodeError{Op: op, Err: err}
	}
	if err := validatePayload(s.list, payload); err != nil {
		return nil, &DecodeError{Op: op, Err: err}
	}
	var wire []wireRequest
	if err := json.Unmarshal(payload, &wire); err != nil {
		return nil, &DecodeError{Op: op, Err: err}
	}
	out := make([]HelpRequest, 0, len(wire))
	for _, w := range wire {
		out = append(out, w.toRequest())
	}
	return out, nil
}

func (g *HTTPGateway) Create(ctx context.Context, draft Draft) (HelpRequest, error) {
	const op = "create request"
	payload, err := g.do(ctx, op, http.MethodPost, "/requests", newCreateBody(draft))
	if err != nil {
		return HelpRequest{}, err
	}
	s, err := loadSchemas()
	if err != nil {
		return HelpRequest{}, &DecodeError{Op: op, Err: err}
	}
	if err := validatePayload(s.request, payload); err != nil {
		return HelpRequest{}, &DecodeError{Op: op, Err: err}
	}
	var wire wireRequest
	if err := json.Unmarshal(payload, &wire); err != nil {
		return HelpRequest{}, &DecodeError{Op: op, Err: err}
	}
	return wire.toRequest(), nil
}

func (g *HTTPGateway) Update(ctx context.Context, id string, fields Fields) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if fields == nil {
		fields = Fields{}
	}
	_, err := g.do(ctx, "update request "+id, http.MethodPut, "/requests/"+url.PathEscape(id), fields)
	return err
}

// Delete treats 404 as success: the request is gone either way.
func (g *HTTPGateway) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	_, err := g.do(ctx, "delete request "+id, http.MethodDelete, "/requests/"+url.PathEscape(id), nil)
	var netErr *NetworkError
	if errors.As(err, &netErr) && netErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (g *HTTPGateway) do(ctx context.Context, op, method, requestPath string, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode body: %w", op, err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+requestPath, bodyReader)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", correlationID())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, &NetworkError{Op: op, StatusCode: resp.StatusCode, Err: readErr}
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return payload, nil
	}

	var errPayload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(payload, &errPayload)
	return nil, &NetworkError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Code:       errPayload.Code,
		Message:    errPayload.Message,
	}
}

const correlationAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func correlationID() string {
	return "hs_" + gonanoid.MustGenerate(correlationAlphabet, 16)
}
