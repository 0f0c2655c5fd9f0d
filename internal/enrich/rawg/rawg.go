// Package rawg looks up game metadata in the RAWG catalog.
package rawg

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/release-pipeline/internal/pipeline"
)

// Name identifies the catalog in configuration, logs, and external ids.
const Name = "rawg"

// DefaultBaseURL is the public RAWG API root.
const DefaultBaseURL = "https://api.rawg.io/api"

// Limiter throttles outbound catalog calls.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Options configures a Client. RAWG answers basic searches without a key.
type Options struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Limiter    Limiter
	Logger     *zap.Logger
}

// Client queries the RAWG games endpoint.
type Client struct {
	apiKey  string
	baseURL string
	http    *http.Client
	limiter Limiter
	logger  *zap.Logger
}

var _ pipeline.Catalog = (*Client)(nil)

// New builds a Client.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		apiKey:  opts.APIKey,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    opts.HTTPClient,
		limiter: opts.Limiter,
		logger:  opts.Logger.Named(Name),
	}
}

// Name implements pipeline.Catalog.
func (c *Client) Name() string { return Name }

type searchResponse struct {
	Results []result `json:"results"`
}

type result struct {
	ID              int64     `json:"id"`
	Name            string    `json:"name"`
	DescriptionRaw  string    `json:"description_raw"`
	BackgroundImage string    `json:"background_image"`
	Metacritic      float64   `json:"metacritic"`
	Rating          float64   `json:"rating"`
	Genres          []named   `json:"genres"`
	Platforms       []listing `json:"platforms"`
	Clip            *clip     `json:"clip"`
}

type named struct {
	Name string `json:"name"`
}

type listing struct {
	Platform named `json:"platform"`
}

type clip struct {
	Video string `json:"video"`
}

// Lookup searches RAWG for title and returns the first result.
func (c *Client) Lookup(ctx context.Context, title string) (pipeline.Metadata, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, Name); err != nil {
			return pipeline.Metadata{}, err
		}
	}
	q := url.Values{}
	q.Set("search", title)
	q.Set("page_size", "1")
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/games?"+q.Encode(), nil)
	if err != nil {
		return pipeline.Metadata{}, fmt.Errorf("build rawg request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return pipeline.Metadata{}, fmt.Errorf("rawg request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close rawg response body", zap.Error(closeErr))
		}
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return pipeline.Metadata{}, fmt.Errorf("rawg status %d: %w", resp.StatusCode, pipeline.ErrTransient)
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return pipeline.Metadata{}, fmt.Errorf("rawg status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var payload searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return pipeline.Metadata{}, fmt.Errorf("decode rawg response: %w", err)
	}
	if len(payload.Results) == 0 {
		return pipeline.Metadata{}, fmt.Errorf("rawg search %q: %w", title, pipeline.ErrNotFound)
	}
	return toMetadata(payload.Results[0]), nil
}

func toMetadata(r result) pipeline.Metadata {
	md := pipeline.Metadata{
		Name:        r.Name,
		Summary:     strings.TrimSpace(r.DescriptionRaw),
		CoverURL:    strings.TrimSpace(r.BackgroundImage),
		CriticScore: r.Metacritic,
		UserScore:   r.Rating,
		ExternalIDs: map[string]string{Name: strconv.FormatInt(r.ID, 10)},
	}
	for _, genre := range r.Genres {
		if genre.Name != "" {
			md.Genres = append(md.Genres, genre.Name)
		}
	}
	for _, p := range r.Platforms {
		if p.Platform.Name != "" {
			md.Platforms = append(md.Platforms, p.Platform.Name)
		}
	}
	if r.Clip != nil {
		md.TrailerURL = r.Clip.Video
	}
	return md
}
