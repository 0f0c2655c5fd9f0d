// Package igdb looks up game metadata in the IGDB catalog.
package igdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/JakeFAU/release-pipeline/internal/pipeline"
)

// Name identifies the catalog in configuration, logs, and external ids.
const Name = "igdb"

// Default endpoints.
const (
	DefaultTokenURL = "https://id.twitch.tv/oauth2/token"
	DefaultBaseURL  = "https://api.igdb.com/v4"
)

const (
	coverURLFormat   = "https://images.igdb.com/igdb/image/upload/t_screenshot_big/%s.jpg"
	trailerURLFormat = "https://www.youtube.com/watch?v=%s"
	queryFields      = "name,summary,genres.name,platforms.name,cover.image_id,aggregated_rating,rating,videos.video_id"
)

// Limiter throttles outbound catalog calls.
type Limiter interface {
	Wait(ctx context.Context, key string) error
}

// Options configures a Client.
type Options struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	BaseURL      string
	HTTPClient   *http.Client
	Limiter      Limiter
	Logger       *zap.Logger
}

// Client queries IGDB using a Twitch client-credentials token.
type Client struct {
	clientID string
	baseURL  string
	http     *http.Client
	limiter  Limiter
	logger   *zap.Logger
	oauth    clientcredentials.Config

	mu     sync.Mutex
	tokens oauth2.TokenSource
}

var _ pipeline.Catalog = (*Client)(nil)

// New builds a Client.
func New(opts Options) (*Client, error) {
	if opts.ClientID == "" || opts.ClientSecret == "" {
		return nil, fmt.Errorf("igdb client id and secret are required")
	}
	if opts.TokenURL == "" {
		opts.TokenURL = DefaultTokenURL
	}
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
		clientID: opts.ClientID,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		http:     opts.HTTPClient,
		limiter:  opts.Limiter,
		logger:   opts.Logger.Named(Name),
		oauth: clientcredentials.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			TokenURL:     opts.TokenURL,
			AuthStyle:    oauth2.AuthStyleInParams,
		},
	}, nil
}

// Name implements pipeline.Catalog.
func (c *Client) Name() string { return Name }

// tokenSource returns the cached token source, creating one when reset.
func (c *Client) tokenSource() oauth2.TokenSource {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tokens == nil {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.http)
		c.tokens = c.oauth.TokenSource(ctx)
	}
	return c.tokens
}

// resetToken drops the cached token so the next call fetches a new one.
func (c *Client) resetToken() {
	c.mu.Lock()
	c.tokens = nil
	c.mu.Unlock()
}

type game struct {
	ID               int64   `json:"id"`
	Name             string  `json:"name"`
	Summary          string  `json:"summary"`
	AggregatedRating float64 `json:"aggregated_rating"`
	Rating           float64 `json:"rating"`
	Genres           []named `json:"genres"`
	Platforms        []named `json:"platforms"`
	Cover            *image  `json:"cover"`
	Videos           []video `json:"videos"`
}

type named struct {
	Name string `json:"name"`
}

type image struct {
	ImageID string `json:"image_id"`
}

type video struct {
	VideoID string `json:"video_id"`
}

// Lookup searches IGDB for title and returns the best match.
func (c *Client) Lookup(ctx context.Context, title string) (pipeline.Metadata, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, Name); err != nil {
			return pipeline.Metadata{}, err
		}
	}
	body := fmt.Sprintf("search \"%s\"; fields %s; limit 1;", strings.ReplaceAll(title, `"`, ""), queryFields)

	games, status, err := c.search(ctx, body)
	if status == http.StatusUnauthorized {
		c.logger.Info("igdb token rejected, refreshing")
		c.resetToken()
		games, _, err = c.search(ctx, body)
	}
	if err != nil {
		return pipeline.Metadata{}, err
	}
	if len(games) == 0 {
		return pipeline.Metadata{}, fmt.Errorf("igdb search %q: %w", title, pipeline.ErrNotFound)
	}
	return toMetadata(games[0]), nil
}

func (c *Client) search(ctx context.Context, body string) ([]game, int, error) {
	token, err := c.tokenSource().Token()
	if err != nil {
		return nil, 0, fmt.Errorf("fetch igdb token: %w", errors.Join(err, pipeline.ErrTransient))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/games", strings.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build igdb request: %w", err)
	}
	req.Header.Set("Client-ID", c.clientID)
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("igdb request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close igdb response body", zap.Error(closeErr))
		}
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, resp.StatusCode, fmt.Errorf("igdb status %d: %w", resp.StatusCode, pipeline.ErrTransient)
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, resp.StatusCode, fmt.Errorf("igdb status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var games []game
	if err := json.NewDecoder(resp.Body).Decode(&games); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decode igdb response: %w", err)
	}
	return games, resp.StatusCode, nil
}

func toMetadata(g game) pipeline.Metadata {
	md := pipeline.Metadata{
		Name:        g.Name,
		Summary:     g.Summary,
		CriticScore: g.AggregatedRating,
		UserScore:   g.Rating,
		ExternalIDs: map[string]string{Name: strconv.FormatInt(g.ID, 10)},
	}
	for _, genre := range g.Genres {
		if genre.Name != "" {
			md.Genres = append(md.Genres, genre.Name)
		}
	}
	for _, platform := range g.Platforms {
		if platform.Name != "" {
			md.Platforms = append(md.Platforms, platform.Name)
		}
	}
	if g.Cover != nil && g.Cover.ImageID != "" {
		md.CoverURL = fmt.Sprintf(coverURLFormat, g.Cover.ImageID)
	}
	for _, video := range g.Videos {
		if video.VideoID != "" {
			md.TrailerURL = fmt.Sprintf(trailerURLFormat, video.VideoID)
			break
		}
	}
	return md
}
