// Package graphiti implements the graph.Store interface against a
// graphiti-style HTTP ingestion service.
//
// The service runs its own LLM extraction per episode, several calls deep,
// so a single AddEpisode round trip is slow and the service throttles
// aggressively on low-tier LLM accounts. The client therefore paces
// requests with a local rate limiter and maps throttling responses to
// tagged retriable errors, but performs no retries of its own: the commit
// pipeline owns the backoff schedule, and stacking transport retries under
// it would multiply the wait beyond the configured budget.
package graphiti

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/epigraph-dev/epigraph/pkg/graph"
	"github.com/epigraph-dev/epigraph/pkg/ontology"
)

const (
	defaultRequestTimeout = 120 * time.Second
	defaultRatePerSecond  = 1
)

func init() {
	graph.Register("graphiti", func(cfg graph.Config, reg *ontology.Registry) (graph.Store, error) {
		gc := cfg.Graphiti
		if gc == nil || gc.Endpoint == "" {
			return nil, fmt.Errorf("graphiti endpoint is required")
		}

		apiKey := gc.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("GRAPHITI_API_KEY")
		}

		opts := []Option{WithAPIKey(apiKey)}
		if gc.RequestTimeout > 0 {
			opts = append(opts, WithRequestTimeout(gc.RequestTimeout))
		}
		if gc.RatePerSecond > 0 {
			opts = append(opts, WithRatePerSecond(gc.RatePerSecond))
		}

		return New(gc.Endpoint, reg, opts...)
	})
}

// Client talks to a graphiti ingestion service over HTTP.
type Client struct {
	endpoint string
	apiKey   string
	client   *http.Client
	limiter  *rate.Limiter
	schemas  schemaPayload
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the bearer token sent with each request.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithRequestTimeout bounds one HTTP round trip.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.client.Timeout = d
	}
}

// WithRatePerSecond sets the client-side request pacing.
func WithRatePerSecond(rps float64) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.client = hc
	}
}

// New creates a graphiti client for the given endpoint. The ontology
// registry is serialized once and sent with every episode so the service's
// extraction pass uses our entity and edge catalog.
func New(endpoint string, reg *ontology.Registry, opts ...Option) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("graphiti endpoint is required")
	}
	if reg == nil {
		reg = ontology.Default()
	}

	c := &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: defaultRequestTimeout},
		limiter:  rate.NewLimiter(rate.Limit(defaultRatePerSecond), 1),
		schemas:  buildSchemaPayload(reg),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Wire types. Field names follow the service's snake_case JSON contract.

type episodeRequest struct {
	Name              string         `json:"name"`
	EpisodeBody       string         `json:"episode_body"`
	GroupID           string         `json:"group_id"`
	Source            string         `json:"source"`
	SourceDescription string         `json:"source_description"`
	ReferenceTime     string         `json:"reference_time"`
	EntityTypes       []entitySchema `json:"entity_types,omitempty"`
	EdgeTypes         []edgeSchema   `json:"edge_types,omitempty"`
	EdgeTypeMap       []edgeMapEntry `json:"edge_type_map,omitempty"`
}

type entitySchema struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Fields      []fieldSchema `json:"fields,omitempty"`
}

type edgeSchema struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type fieldSchema struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

type edgeMapEntry struct {
	Source    string   `json:"source"`
	Target    string   `json:"target"`
	EdgeTypes []string `json:"edge_types"`
}

type schemaPayload struct {
	entities []entitySchema
	edges    []edgeSchema
	edgeMap  []edgeMapEntry
}

type episodeResponse struct {
	UUID      string    `json:"uuid"`
	CreatedAt time.Time `json:"created_at"`
	Error     string    `json:"error,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

func buildSchemaPayload(reg *ontology.Registry) schemaPayload {
	var p schemaPayload
	for _, et := range reg.EntityTypes() {
		es := entitySchema{Name: et.Name, Description: et.Description}
		for _, f := range et.Fields {
			es.Fields = append(es.Fields, fieldSchema{Name: f.Name, Type: f.Type, Description: f.Description})
		}
		p.entities = append(p.entities, es)
	}
	for _, et := range reg.EdgeTypes() {
		p.edges = append(p.edges, edgeSchema{Name: et.Name, Description: et.Description})
	}
	for _, et := range reg.EntityTypes() {
		for _, tt := range reg.EntityTypes() {
			if edges := reg.EdgesBetween(et.Name, tt.Name); len(edges) > 0 {
				p.edgeMap = append(p.edgeMap, edgeMapEntry{Source: et.Name, Target: tt.Name, EdgeTypes: edges})
			}
		}
	}
	return p
}

// AddEpisode commits one episode. Episode validation runs locally first so
// malformed episodes never reach the network.
func (c *Client) AddEpisode(ctx context.Context, ep graph.Episode) (*graph.EpisodeResult, error) {
	ep = ep.NormalizeReference()
	if err := ep.Validate(); err != nil {
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, graph.NewStoreError(graph.ErrCodeUnavailable, err.Error(), 0, err)
	}

	req := episodeRequest{
		Name:              ep.Name,
		EpisodeBody:       ep.Body,
		GroupID:           ep.GroupID,
		Source:            "text",
		SourceDescription: ep.SourceDescription,
		ReferenceTime:     ep.Reference.Format(time.RFC3339),
		EntityTypes:       c.schemas.entities,
		EdgeTypes:         c.schemas.edges,
		EdgeTypeMap:       c.schemas.edgeMap,
	}

	var resp episodeResponse
	if err := c.post(ctx, "/episodes", req, &resp); err != nil {
		return nil, err
	}

	created := resp.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return &graph.EpisodeResult{EpisodeID: resp.UUID, CreatedAt: created}, nil
}

// Ping checks the service health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/healthcheck", nil)
	if err != nil {
		return err
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return graph.NewStoreError(graph.ErrCodeUnavailable, err.Error(), 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.errorFromResponse(resp)
	}
	return nil
}

// Close releases client resources.
func (c *Client) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func (c *Client) post(ctx context.Context, path string, reqBody any, result any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return graph.NewStoreError(graph.ErrCodeUnknown, err.Error(), 0, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return graph.NewStoreError(graph.ErrCodeUnknown, err.Error(), 0, err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return graph.NewStoreError(graph.ErrCodeUnavailable, err.Error(), 0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return c.errorFromResponse(resp)
	}

	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return graph.NewStoreError(graph.ErrCodeUnknown, fmt.Sprintf("decode response: %v", err), resp.StatusCode, err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	message := strings.TrimSpace(string(body))
	var er episodeResponse
	if err := json.Unmarshal(body, &er); err == nil {
		if er.Error != "" {
			message = er.Error
		} else if er.Detail != "" {
			message = er.Detail
		}
	}

	code := graph.ErrCodeUnknown
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		code = graph.ErrCodeRateLimited
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		code = graph.ErrCodeValidation
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		code = graph.ErrCodeAuth
	case resp.StatusCode >= 500:
		code = graph.ErrCodeServerError
	}

	return graph.NewStoreError(code, message, resp.StatusCode, nil)
}
