package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// DefaultCompletionURL is the chat-completions endpoint used when none is configured.
const DefaultCompletionURL = "https://api.openai.com/v1/chat/completions"

// maxErrorBody bounds how much of a failed response body is kept in errors.
const maxErrorBody = 2048

// ChatClient performs a single chat-completions call with one credential.
type ChatClient interface {
	ChatCompletion(ctx context.Context, credential string, req ChatRequest) (*ChatResponse, error)
}

// HTTPClient implements ChatClient against an OpenAI-compatible endpoint.
type HTTPClient struct {
	url        string
	httpClient *http.Client
}

// NewHTTPClient creates a client posting to url. Deadlines come from the request context,
// so the http.Client carries no timeout of its own.
func NewHTTPClient(url string, httpClient *http.Client) *HTTPClient {
	if url == "" {
		url = DefaultCompletionURL
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPClient{url: url, httpClient: httpClient}
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// ChatCompletion sends req with the given credential.
func (c *HTTPClient) ChatCompletion(ctx context.Context, credential string, req ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+credential)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &ChatResponse{StatusCode: resp.StatusCode}, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(msg))}
	}

	var decoded chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		// A deadline hit while reading the body is a timeout, not a malformed payload.
		if ctx.Err() != nil {
			return &ChatResponse{StatusCode: resp.StatusCode}, ctx.Err()
		}
		return &ChatResponse{StatusCode: resp.StatusCode}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	out := &ChatResponse{StatusCode: resp.StatusCode, Usage: decoded.Usage}
	if len(decoded.Choices) > 0 {
		out.Content = decoded.Choices[0].Message.Content
	}
	return out, nil
}
