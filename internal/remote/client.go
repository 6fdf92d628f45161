package remote

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mediahub-go/internal/types"
)

// Request headers understood by the media servers
const (
	HeaderToken            = "X-Plex-Token"
	HeaderClientIdentifier = "X-Plex-Client-Identifier"
	HeaderProduct          = "X-Plex-Product"

	productName = "mediahub"
)

// Remote item type numbers used by search
var searchTypes = map[string]int{
	types.ItemTypeMovie:   1,
	types.ItemTypeShow:    2,
	types.ItemTypeSeason:  3,
	types.ItemTypeEpisode: 4,
}

// Connection is everything needed to address one server
type Connection struct {
	ServerID string
	BaseURL  string
	Token    string
}

// PageRequest selects one page of a library view
type PageRequest struct {
	LibraryKey string
	Offset     int
	Size       int
	Filter     string
	Sort       string
}

// Page is one fetched page of a library view
type Page struct {
	Items     []types.MediaItem
	TotalSize int
}

// Client issues library API calls through a Fetcher, rate limited per server
type Client struct {
	fetcher  Fetcher
	clientID string
	limit    rate.Limit
	burst    int
	logger   *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewClient creates a client. requestsPerSecond <= 0 disables rate limiting.
func NewClient(fetcher Fetcher, clientID string, requestsPerSecond float64, logger *zap.Logger) *Client {
	limit := rate.Inf
	burst := 1
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
		burst = int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Client{
		fetcher:  fetcher,
		clientID: clientID,
		limit:    limit,
		burst:    burst,
		logger:   logger.Named("remote"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// RequestHeaders returns the standard headers sent with every request
func RequestHeaders(token, clientID string) map[string]string {
	headers := map[string]string{
		"Accept":      "application/json",
		HeaderProduct: productName,
	}
	if token != "" {
		headers[HeaderToken] = token
	}
	if clientID != "" {
		headers[HeaderClientIdentifier] = clientID
	}
	return headers
}

// Headers returns the standard request headers for a token
func (c *Client) Headers(token string) map[string]string {
	return RequestHeaders(token, c.clientID)
}

func (c *Client) limiter(serverID string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.limiters[serverID]
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters[serverID] = l
	}
	return l
}

// ListPage fetches one page of a library section. "all"/"default" filter and
// sort values send no parameter.
func (c *Client) ListPage(ctx context.Context, conn Connection, req PageRequest) (*Page, error) {
	query := url.Values{}
	query.Set("X-Plex-Container-Start", strconv.Itoa(req.Offset))
	query.Set("X-Plex-Container-Size", strconv.Itoa(req.Size))
	if sort := types.NormalizeQueryValue(req.Sort); sort != "" {
		query.Set("sort", sort)
	}
	if filter := types.NormalizeQueryValue(req.Filter); filter != "" {
		for key, values := range parseFilter(filter) {
			for _, v := range values {
				query.Add(key, v)
			}
		}
	}

	path := "/library/sections/" + url.PathEscape(req.LibraryKey) + "/all"
	container, err := c.get(ctx, conn, path, query)
	if err != nil {
		return nil, err
	}
	return &Page{Items: container.items(conn.ServerID), TotalSize: container.TotalSize}, nil
}

// Search finds items whose title matches query. itemType narrows the search
// when non-empty.
func (c *Client) Search(ctx context.Context, conn Connection, query, itemType string) ([]types.MediaItem, error) {
	values := url.Values{}
	values.Set("query", query)
	if n, ok := searchTypes[itemType]; ok {
		values.Set("type", strconv.Itoa(n))
	}

	container, err := c.get(ctx, conn, "/search", values)
	if err != nil {
		return nil, err
	}
	items := container.items(conn.ServerID)
	if itemType == "" {
		return items, nil
	}
	// Some servers ignore the type parameter
	filtered := items[:0]
	for _, item := range items {
		if item.Type == itemType {
			filtered = append(filtered, item)
		}
	}
	return filtered, nil
}

// Children lists the direct children of an item: seasons of a show,
// episodes of a season.
func (c *Client) Children(ctx context.Context, conn Connection, ratingKey string) ([]types.MediaItem, error) {
	container, err := c.get(ctx, conn, "/library/metadata/"+url.PathEscape(ratingKey)+"/children", nil)
	if err != nil {
		return nil, err
	}
	return container.items(conn.ServerID), nil
}

// Metadata fetches a single item with its media details
func (c *Client) Metadata(ctx context.Context, conn Connection, ratingKey string) (*types.MediaItem, error) {
	container, err := c.get(ctx, conn, "/library/metadata/"+url.PathEscape(ratingKey), nil)
	if err != nil {
		return nil, err
	}
	items := container.items(conn.ServerID)
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: item %s on server %s", types.ErrNotFound, ratingKey, conn.ServerID)
	}
	return &items[0], nil
}

func (c *Client) get(ctx context.Context, conn Connection, path string, query url.Values) (*mediaContainer, error) {
	if err := c.limiter(conn.ServerID).Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrNetworkUnreachable, err)
	}

	if query == nil {
		query = url.Values{}
	}
	// External ids are only returned on request
	query.Set("includeGuids", "1")
	target := strings.TrimRight(conn.BaseURL, "/") + path + "?" + query.Encode()

	resp, err := c.fetcher.Fetch(ctx, Request{URL: target, Headers: c.Headers(conn.Token)})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		c.logger.Debug("Remote returned error status",
			zap.String("server", conn.ServerID),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return nil, &types.RemoteStatusError{StatusCode: resp.StatusCode, URL: conn.BaseURL + path}
	}
	return decodeContainer(resp.Body)
}

// parseFilter turns "unwatched&genre=5" into query values. A bare key means
// key=1.
func parseFilter(filter string) url.Values {
	values := url.Values{}
	for _, part := range strings.Split(filter, "&") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			value = "1"
		}
		if key == "" {
			continue
		}
		values.Add(key, value)
	}
	return values
}
