// Package ai forwards prompts to an external generative model. The server
// never interprets the content; it supplies a prompt and a response schema
// and hands the model's JSON back to the caller.
package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"
)

var ErrNotConfigured = errors.New("AI engine not configured")

const defaultRequestTimeout = 60 * time.Second

// Config selects the upstream endpoint and models.
type Config struct {
	// Endpoint is the API base URL; the SDK default is used when empty.
	Endpoint  string
	FastModel string
	DeepModel string
	APIKey    string
	// HTTPClient defaults to a client with a 60s timeout.
	HTTPClient *http.Client
}

// Request is a single generation call.
type Request struct {
	Model  string
	System string
	Prompt string
	// Schema, when set, asks the model for JSON matching it.
	Schema *genai.Schema
	// Search enables grounding with web search results.
	Search bool
}

// Engine holds the hot-swappable API key and talks to the model endpoint.
type Engine struct {
	mu         sync.Mutex
	apiKey     string
	client     *genai.Client
	endpoint   string
	fastModel  string
	deepModel  string
	httpClient *http.Client
}

// NewEngine creates an engine. It is usable for health reporting even when
// no key is configured yet.
func NewEngine(cfg Config) *Engine {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint != "" && !strings.HasSuffix(endpoint, "/") {
		endpoint += "/"
	}
	return &Engine{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		endpoint:   endpoint,
		fastModel:  cfg.FastModel,
		deepModel:  cfg.DeepModel,
		httpClient: client,
	}
}

// Configure replaces the API key. An empty key unconfigures the engine.
func (e *Engine) Configure(apiKey string) {
	e.mu.Lock()
	e.apiKey = strings.TrimSpace(apiKey)
	e.client = nil
	e.mu.Unlock()
}

// Configured reports whether a key is present.
func (e *Engine) Configured() bool {
	return e.key() != ""
}

func (e *Engine) key() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.apiKey
}

// sdk returns the client bound to the current key, building it on first use
// after each Configure.
func (e *Engine) sdk(ctx context.Context) (*genai.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.apiKey == "" {
		return nil, ErrNotConfigured
	}
	if e.client != nil {
		return e.client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      e.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  e.httpClient,
		HTTPOptions: genai.HTTPOptions{BaseURL: e.endpoint},
	})
	if err != nil {
		return nil, fmt.Errorf("create model client: %w", err)
	}
	e.client = client
	return client, nil
}

// Generate sends one request upstream and returns the text of the first
// candidate. Failures are returned as-is; nothing is retried.
func (e *Engine) Generate(ctx context.Context, req Request) (string, error) {
	client, err := e.sdk(ctx)
	if err != nil {
		return "", err
	}

	cfg := &genai.GenerateContentConfig{}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Schema != nil {
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = req.Schema
	}
	if req.Search {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}

	resp, err := client.Models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("call model %s: %w", req.Model, err)
	}
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("model %s returned no candidates", req.Model)
	}
	return resp.Text(), nil
}
