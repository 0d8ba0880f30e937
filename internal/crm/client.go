package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"flowershop-bot/internal/cache"
	"flowershop-bot/internal/metrics"

	"log/slog"
)

const (
	apiPrefix        = "/api/v5"
	formContentType  = "application/x-www-form-urlencoded"
	maxAttempts      = 3
	ordersPageLimit  = 100
	productPageLimit = 100
	productCacheKey  = "crm:product-images"
	productCacheTTL  = 24 * time.Hour
)

var (
	// ErrNotFound indicates the requested order does not exist.
	ErrNotFound = errors.New("crm order not found")
	// ErrAPIRejected indicates the API answered but refused the request.
	ErrAPIRejected = errors.New("crm request rejected")
)

// Client provides typed access to the order management API.
type Client struct {
	logger  *slog.Logger
	baseURL string
	apiKey  string
	http    *http.Client
	metrics *metrics.Metrics
	cache   *cache.Redis

	// retryDelay is swapped out in tests to avoid real backoff sleeps.
	retryDelay func(attempt int) time.Duration

	mu            sync.RWMutex
	storeNames    map[string]string
	productImages map[string]string
}

// Config holds API client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// New creates an API client. The redis cache is optional and only
// used to persist the product image map across restarts.
func New(cfg Config, logger *slog.Logger, metrics *metrics.Metrics, redis *cache.Redis) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		logger:     logger.With("component", "crm"),
		baseURL:    base,
		apiKey:     cfg.APIKey,
		http:       &http.Client{Timeout: timeout},
		metrics:    metrics,
		cache:      redis,
		retryDelay: defaultRetryDelay,
	}
}

func defaultRetryDelay(attempt int) time.Duration {
	delay := 2 * time.Second << (attempt - 1)
	if delay > 10*time.Second {
		delay = 10 * time.Second
	}
	return delay
}

// envelope carries the status fields every API response includes.
type envelope struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
}

func (e envelope) status() (bool, string) { return e.Success, e.ErrorMsg }

type statusReporter interface {
	status() (bool, string)
}

// Order fetches a single order by its internal ID.
func (c *Client) Order(ctx context.Context, orderID int64) (*Order, error) {
	var resp struct {
		envelope
		Order Order `json:"order"`
	}
	query := url.Values{"by": {"id"}}
	endpoint := fmt.Sprintf("/orders/%d", orderID)
	if err := c.get(ctx, endpoint, query, &resp); err != nil {
		return nil, err
	}
	return &resp.Order, nil
}

// OrderByNumber finds an order by its human-facing number.
func (c *Client) OrderByNumber(ctx context.Context, number string) (*Order, error) {
	var resp struct {
		envelope
		Orders []Order `json:"orders"`
	}
	query := url.Values{
		"filter[numbers][]": {number},
		"limit":             {"20"},
	}
	if err := c.get(ctx, "/orders", query, &resp); err != nil {
		return nil, err
	}
	for i := range resp.Orders {
		if resp.Orders[i].Number == number {
			return &resp.Orders[i], nil
		}
	}
	if len(resp.Orders) > 0 {
		return &resp.Orders[0], nil
	}
	return nil, fmt.Errorf("%w: number %s", ErrNotFound, number)
}

// OrdersWithStatus lists recent orders currently in the given status.
// The API filter by status is unreliable for freshly moved orders, so
// the first page is fetched wide and filtered here.
func (c *Client) OrdersWithStatus(ctx context.Context, status string) ([]Order, error) {
	var resp struct {
		envelope
		Orders []Order `json:"orders"`
	}
	query := url.Values{
		"limit": {fmt.Sprintf("%d", ordersPageLimit)},
		"page":  {"1"},
	}
	if err := c.get(ctx, "/orders", query, &resp); err != nil {
		return nil, err
	}
	matched := make([]Order, 0, len(resp.Orders))
	for _, order := range resp.Orders {
		if order.Status == status {
			matched = append(matched, order)
		}
	}
	return matched, nil
}

// Statuses returns the order status reference sorted by code.
func (c *Client) Statuses(ctx context.Context) ([]Status, error) {
	var resp struct {
		envelope
		Statuses map[string]Status `json:"statuses"`
	}
	if err := c.get(ctx, "/reference/statuses", nil, &resp); err != nil {
		return nil, err
	}
	statuses := make([]Status, 0, len(resp.Statuses))
	for code, st := range resp.Statuses {
		if st.Code == "" {
			st.Code = code
		}
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Code < statuses[j].Code })
	return statuses, nil
}

// StoreName resolves a warehouse code to its display name. The
// reference is fetched once and held until invalidated.
func (c *Client) StoreName(ctx context.Context, code string) (string, error) {
	c.mu.RLock()
	stores := c.storeNames
	c.mu.RUnlock()

	if stores == nil {
		var err error
		stores, err = c.loadStores(ctx)
		if err != nil {
			return "", err
		}
	}
	if name, ok := stores[code]; ok {
		return name, nil
	}
	return code, nil
}

func (c *Client) loadStores(ctx context.Context) (map[string]string, error) {
	var resp struct {
		envelope
		Stores []StoreRef `json:"stores"`
	}
	if err := c.get(ctx, "/reference/stores", nil, &resp); err != nil {
		return nil, err
	}
	stores := make(map[string]string, len(resp.Stores))
	for _, st := range resp.Stores {
		stores[st.Code] = st.Name
	}
	c.mu.Lock()
	c.storeNames = stores
	c.mu.Unlock()
	c.logger.Info("store reference loaded", "stores", len(stores))
	return stores, nil
}

// InvalidateStores drops the warehouse reference so the next lookup
// fetches a fresh copy.
func (c *Client) InvalidateStores() {
	c.mu.Lock()
	c.storeNames = nil
	c.mu.Unlock()
}

// ProductImage returns the catalog image URL for an offer article,
// or an empty string when the article has no image.
func (c *Client) ProductImage(ctx context.Context, article string) (string, error) {
	images, err := c.productImageMap(ctx)
	if err != nil {
		return "", err
	}
	return images[article], nil
}

// ImagesForOrder collects image URLs for all order lines, deduplicated
// in item order.
func (c *Client) ImagesForOrder(ctx context.Context, order Order) ([]string, error) {
	images, err := c.productImageMap(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var urls []string
	for _, item := range order.Items {
		img := images[item.Offer.Article]
		if img == "" {
			continue
		}
		if _, dup := seen[img]; dup {
			continue
		}
		seen[img] = struct{}{}
		urls = append(urls, img)
	}
	return urls, nil
}

func (c *Client) productImageMap(ctx context.Context) (map[string]string, error) {
	c.mu.RLock()
	images := c.productImages
	c.mu.RUnlock()
	if images != nil {
		return images, nil
	}

	if c.cache != nil {
		var cached map[string]string
		ok, err := c.cache.GetJSON(ctx, productCacheKey, &cached)
		if err != nil {
			c.logger.Warn("read product image cache failed", "error", err)
		} else if ok {
			c.mu.Lock()
			c.productImages = cached
			c.mu.Unlock()
			return cached, nil
		}
	}
	return c.ReloadProductImages(ctx)
}

// ReloadProductImages walks the whole product catalog and rebuilds the
// article to image map, replacing the previous snapshot.
func (c *Client) ReloadProductImages(ctx context.Context) (map[string]string, error) {
	images := make(map[string]string)
	page := 1
	for {
		var resp struct {
			envelope
			Pagination struct {
				TotalPageCount int `json:"totalPageCount"`
			} `json:"pagination"`
			Products []product `json:"products"`
		}
		query := url.Values{
			"limit": {fmt.Sprintf("%d", productPageLimit)},
			"page":  {fmt.Sprintf("%d", page)},
		}
		if err := c.get(ctx, "/store/products", query, &resp); err != nil {
			return nil, fmt.Errorf("load products page %d: %w", page, err)
		}
		for _, prod := range resp.Products {
			for _, offer := range prod.Offers {
				img := prod.imageFor(offer.Article)
				if img == "" {
					img = prod.ImageURL
				}
				if offer.Article != "" && img != "" {
					images[offer.Article] = img
				}
			}
			if prod.Article != "" && prod.ImageURL != "" {
				images[prod.Article] = prod.ImageURL
			}
		}
		if page >= resp.Pagination.TotalPageCount {
			break
		}
		page++
	}

	c.mu.Lock()
	c.productImages = images
	c.mu.Unlock()

	if c.cache != nil {
		if err := c.cache.SetJSON(ctx, productCacheKey, images, productCacheTTL); err != nil {
			c.logger.Warn("write product image cache failed", "error", err)
		}
	}
	c.logger.Info("product catalog loaded", "articles", len(images), "pages", page)
	return images, nil
}

// ClearCaches drops all in-memory reference data. Used when the
// process needs to shed memory.
func (c *Client) ClearCaches() {
	c.mu.Lock()
	c.storeNames = nil
	c.productImages = nil
	c.mu.Unlock()
	c.logger.Info("reference caches cleared")
}

// UpdateStatus moves an order to a new status. The order is fetched
// first because the edit endpoint requires the originating site.
func (c *Client) UpdateStatus(ctx context.Context, orderID int64, newStatus string) error {
	order, err := c.Order(ctx, orderID)
	if err != nil {
		return fmt.Errorf("resolve order site: %w", err)
	}

	patch, err := json.Marshal(map[string]string{"status": newStatus})
	if err != nil {
		return fmt.Errorf("marshal status patch: %w", err)
	}
	form := url.Values{"order": {string(patch)}}
	query := url.Values{
		"by":   {"id"},
		"site": {order.Site},
	}

	var resp envelope
	endpoint := fmt.Sprintf("/orders/%d/edit", orderID)
	if err := c.postForm(ctx, endpoint, query, form, &resp); err != nil {
		return err
	}
	c.logger.Info("order status updated", "order_id", orderID, "status", newStatus)
	return nil
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, dest statusReporter) error {
	return c.do(ctx, http.MethodGet, endpoint, query, nil, "", dest)
}

func (c *Client) postForm(ctx context.Context, endpoint string, query, form url.Values, dest statusReporter) error {
	return c.do(ctx, http.MethodPost, endpoint, query, strings.NewReader(form.Encode()), formContentType, dest)
}

// do performs one API call with bounded retries. Only transport
// failures are retried; an HTTP response, even an error one, is final.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body io.Reader, contentType string, dest statusReporter) error {
	if query == nil {
		query = url.Values{}
	}
	query.Set("apiKey", c.apiKey)
	reqURL := c.baseURL + apiPrefix + endpoint + "?" + query.Encode()

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("read request body: %w", err)
		}
	}

	var res *http.Response
	for attempt := 1; ; attempt++ {
		var reqBody io.Reader
		if bodyBytes != nil {
			reqBody = strings.NewReader(string(bodyBytes))
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
		if err != nil {
			return fmt.Errorf("new request: %w", err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("Accept", "application/json")

		start := time.Now()
		res, err = c.http.Do(req)
		if err == nil {
			duration := time.Since(start).Seconds()
			statusLabel := fmt.Sprintf("%d", res.StatusCode)
			if c.metrics != nil {
				c.metrics.CRMRequests.WithLabelValues(endpoint, statusLabel).Inc()
				c.metrics.CRMLatency.WithLabelValues(endpoint, statusLabel).Observe(duration)
			}
			break
		}

		if c.metrics != nil {
			c.metrics.CRMRequests.WithLabelValues(endpoint, "error").Inc()
		}
		if attempt >= maxAttempts {
			return fmt.Errorf("crm request %s: %w", endpoint, err)
		}
		delay := c.retryDelay(attempt)
		c.logger.Warn("crm request failed, retrying",
			"endpoint", endpoint, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	defer res.Body.Close()

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, endpoint)
	}
	if res.StatusCode >= 400 {
		return fmt.Errorf("%w: %s status=%d %s", ErrAPIRejected, endpoint, res.StatusCode, apiErrorMessage(payload))
	}

	if err := json.Unmarshal(payload, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if ok, msg := dest.status(); !ok {
		if msg == "" {
			msg = "operation failed"
		}
		return fmt.Errorf("%w: %s: %s", ErrAPIRejected, endpoint, msg)
	}
	return nil
}

func apiErrorMessage(payload []byte) string {
	var env envelope
	if err := json.Unmarshal(payload, &env); err == nil && env.ErrorMsg != "" {
		return env.ErrorMsg
	}
	snippet := strings.TrimSpace(string(payload))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	return snippet
}
