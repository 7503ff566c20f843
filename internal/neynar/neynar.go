// Package neynar is a small client for the Neynar Farcaster content API.
// It resolves casts by hash and users by fid. Calls are rate limited on
// the client side and bounded by a timeout; response bodies are shape
// checked before they are decoded.
package neynar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/primal-host/castkeeper/internal/metrics"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// MaxBulkUsers is the upstream limit on fids per bulk user lookup.
const MaxBulkUsers = 100

var (
	// ErrMissingAPIKey is returned by every call while no API key is set.
	ErrMissingAPIKey = errors.New("NEYNAR_API_KEY not configured")

	// ErrMalformedPayload is returned when a 2xx body does not have the
	// expected shape.
	ErrMalformedPayload = errors.New("neynar: malformed payload")
)

// APIError is a non-2xx response. Body holds at most the first KiB.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("Neynar API error: %d - %s", e.Status, e.Body)
}

// Author is the cast author as returned upstream.
type Author struct {
	FID         int64  `json:"fid"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	PfpURL      string `json:"pfp_url"`
}

type counter struct {
	Count int `json:"count"`
}

type reactions struct {
	Count        int `json:"count"`
	LikesCount   int `json:"likes_count"`
	RecastsCount int `json:"recasts_count"`
}

// Cast is the subset of the upstream cast document that is copied into
// a saved cast.
type Cast struct {
	Hash       string          `json:"hash"`
	Author     Author          `json:"author"`
	Text       string          `json:"text"`
	Embeds     json.RawMessage `json:"embeds"`
	Mentions   json.RawMessage `json:"mentions"`
	ParentHash *string         `json:"parent_hash"`
	ParentURL  *string         `json:"parent_url"`
	Timestamp  *time.Time      `json:"timestamp"`
	Replies    counter         `json:"replies"`
	Reactions  reactions       `json:"reactions"`
	Recasts    counter         `json:"recasts"`

	// Raw is the verbatim "cast" object.
	Raw json.RawMessage `json:"-"`
}

// RepliesCount returns the reply count, 0 when absent.
func (c *Cast) RepliesCount() int { return c.Replies.Count }

// ReactionsCount returns the reaction count. Older payloads carry a
// single count; current ones split it into likes and recasts.
func (c *Cast) ReactionsCount() int {
	if c.Reactions.Count != 0 {
		return c.Reactions.Count
	}
	return c.Reactions.LikesCount
}

// RecastsCount returns the recast count, 0 when absent.
func (c *Cast) RecastsCount() int {
	if c.Recasts.Count != 0 {
		return c.Recasts.Count
	}
	return c.Reactions.RecastsCount
}

// User is a Farcaster profile as returned by the bulk lookup.
type User struct {
	FID               int64  `json:"fid"`
	Username          string `json:"username"`
	DisplayName       string `json:"display_name"`
	PfpURL            string `json:"pfp_url"`
	CustodyAddress    string `json:"custody_address"`
	VerifiedAddresses struct {
		EthAddresses []string `json:"eth_addresses"`
		SolAddresses []string `json:"sol_addresses"`
	} `json:"verified_addresses"`
}

// Options configures a Client.
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	RPS     float64
	Burst   int
}

// Client calls the content API. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

// New creates a Client. Zero option values fall back to defaults.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.neynar.com"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RPS <= 0 {
		opts.RPS = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		http:    &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
	}
}

// Configured reports whether an API key is set.
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// LookupCast fetches a cast by its hash.
func (c *Client) LookupCast(ctx context.Context, hash string) (*Cast, error) {
	q := url.Values{}
	q.Set("identifier", hash)
	q.Set("type", "hash")

	body, err := c.get(ctx, "cast", "/v2/farcaster/cast?"+q.Encode())
	if err != nil {
		return nil, err
	}

	raw := gjson.GetBytes(body, "cast")
	if !raw.IsObject() ||
		gjson.GetBytes(body, "cast.hash").Type != gjson.String ||
		gjson.GetBytes(body, "cast.author.fid").Type != gjson.Number {
		return nil, fmt.Errorf("%w: cast %s", ErrMalformedPayload, hash)
	}

	var cast Cast
	if err := json.Unmarshal([]byte(raw.Raw), &cast); err != nil {
		return nil, fmt.Errorf("%w: cast %s: %v", ErrMalformedPayload, hash, err)
	}
	cast.Raw = json.RawMessage(raw.Raw)
	return &cast, nil
}

// LookupUsers fetches profiles for up to MaxBulkUsers fids. Unknown fids
// are absent from the result.
func (c *Client) LookupUsers(ctx context.Context, fids []int64) ([]User, error) {
	if len(fids) == 0 {
		return []User{}, nil
	}
	if len(fids) > MaxBulkUsers {
		return nil, fmt.Errorf("neynar: at most %d fids per lookup, got %d", MaxBulkUsers, len(fids))
	}

	parts := make([]string, len(fids))
	for i, fid := range fids {
		parts[i] = strconv.FormatInt(fid, 10)
	}
	q := url.Values{}
	q.Set("fids", strings.Join(parts, ","))

	body, err := c.get(ctx, "user_bulk", "/v2/farcaster/user/bulk?"+q.Encode())
	if err != nil {
		return nil, err
	}
	if !gjson.GetBytes(body, "users").IsArray() {
		return nil, fmt.Errorf("%w: users", ErrMalformedPayload)
	}

	var resp struct {
		Users []User `json:"users"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: users: %v", ErrMalformedPayload, err)
	}
	return resp.Users, nil
}

// get performs an authenticated GET and returns the body of a 2xx
// response. endpoint labels the latency metric.
func (c *Client) get(ctx context.Context, endpoint, path string) ([]byte, error) {
	if c.apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("neynar: rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("neynar: create request: %w", err)
	}
	req.Header.Set("api_key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveUpstream(endpoint, 0, time.Since(start))
		return nil, fmt.Errorf("neynar: GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	metrics.ObserveUpstream(endpoint, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("neynar: read %s: %w", endpoint, err)
	}
	return body, nil
}
