// Package computeclient is a typed HTTP client for the compute service. The
// embed worker and the ingestion flow use it when the gateway needs the
// upstream response body, unlike the transparent forwarder which streams the
// response straight to the client.
package computeclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"repochat/internal/servicetoken"
	"repochat/pkg/domain"
)

// APIError is a non-2xx compute service response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("compute api error (%d): %s", e.Status, e.Message)
}

// Client calls the compute service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *servicetoken.Signer
	audience   string
}

// New constructs a client. The zero timeout means each call relies on its
// context deadline only.
func New(baseURL string, timeout time.Duration, signer *servicetoken.Signer, audience string) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		signer:     signer,
		audience:   audience,
	}
}

// ProcessRequest asks the compute service to fetch a repository.
type ProcessRequest struct {
	URL          string `json:"url"`
	RepositoryID string `json:"repository_id,omitempty"`
}

// ProcessResult is the fetched repository shape.
type ProcessResult struct {
	Name        string            `json:"name"`
	Owner       string            `json:"owner"`
	Description string            `json:"description"`
	Branch      string            `json:"branch"`
	Path        string            `json:"path"`
	Files       []domain.RepoFile `json:"files"`
}

// ProcessRepository fetches repository content and metadata via the compute
// service's GitHub integration.
func (c *Client) ProcessRepository(ctx context.Context, req ProcessRequest) (ProcessResult, error) {
	var out ProcessResult
	if strings.TrimSpace(req.URL) == "" {
		return out, errors.New("repository url required")
	}
	if err := c.doJSON(ctx, "/github/process", req, &out); err != nil {
		return ProcessResult{}, err
	}
	return out, nil
}

type embeddingsRequest struct {
	Inputs []string `json:"inputs"`
}

type embeddingsResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embeddings embeds a batch of inputs, returning one vector per input in
// input order.
func (c *Client) Embeddings(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, errors.New("embedding inputs required")
	}
	var resp embeddingsResponse
	if err := c.doJSON(ctx, "/embeddings", embeddingsRequest{Inputs: inputs}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("compute returned %d embeddings for %d inputs", len(resp.Embeddings), len(inputs))
	}
	return resp.Embeddings, nil
}

type chatRequest struct {
	RepositoryIDs []string             `json:"repository_ids"`
	Message       string               `json:"message"`
	ChatHistory   []domain.HistoryItem `json:"chat_history"`
	Context       string               `json:"context,omitempty"`
}

type chatResponse struct {
	Response string `json:"response"`
}

// Chat sends one chat turn with assembled retrieval context and returns the
// assistant response text.
func (c *Client) Chat(ctx context.Context, turn domain.ChatTurn, contextText string) (string, error) {
	req := chatRequest{
		RepositoryIDs: turn.RepositoryIDs,
		Message:       turn.Message,
		ChatHistory:   turn.ChatHistory,
		Context:       contextText,
	}
	var resp chatResponse
	if err := c.doJSON(ctx, "/chat/message", req, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Response) == "" {
		return "", errors.New("compute chat response was empty")
	}
	return resp.Response, nil
}

func (c *Client) doJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.signer != nil {
		if err := c.signer.Attach(req, c.audience); err != nil {
			return err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Message string `json:"message"`
			Error   string `json:"error"`
			Detail  string `json:"detail"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Message
		if msg == "" {
			msg = errResp.Error
		}
		if msg == "" {
			msg = errResp.Detail
		}
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
