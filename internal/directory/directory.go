// Package directory talks to the external catalog/customer directory. The
// service is unreliable; nothing here may block a checkout.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"kasirinaja/terminal/internal/domain"
)

var ErrUnavailable = errors.New("directory unavailable")

type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     logrus.FieldLogger

	mu       sync.RWMutex
	lastGood []domain.Category
	hasGood  bool
}

func New(baseURL string, timeout time.Duration, perSecond float64, log logrus.FieldLogger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if perSecond <= 0 {
		perSecond = 5
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
		log:     log.WithField("component", "directory"),
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// ActiveCategories lists active categories. When the directory fails after an
// earlier success, the last good list is served with Stale set.
func (c *Client) ActiveCategories(ctx context.Context) (domain.CategoryList, error) {
	if !c.Enabled() {
		return domain.CategoryList{Categories: []domain.Category{}}, nil
	}

	var all []domain.Category
	err := c.do(ctx, http.MethodGet, "/categories?active=true", nil, &all)
	if err != nil {
		c.mu.RLock()
		cached := append([]domain.Category{}, c.lastGood...)
		hasGood := c.hasGood
		c.mu.RUnlock()
		if hasGood {
			c.log.WithError(err).Warn("directory categories failed, serving last good list")
			return domain.CategoryList{Categories: cached, Stale: true}, nil
		}
		return domain.CategoryList{}, err
	}

	active := make([]domain.Category, 0, len(all))
	for _, category := range all {
		if category.Active {
			active = append(active, category)
		}
	}
	c.mu.Lock()
	c.lastGood = append([]domain.Category(nil), active...)
	c.hasGood = true
	c.mu.Unlock()
	return domain.CategoryList{Categories: active}, nil
}

func (c *Client) UpsertCustomer(ctx context.Context, customer domain.Customer) error {
	if !c.Enabled() {
		return nil
	}
	body, err := json.Marshal(customer)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPut, "/customers/"+url.PathEscape(customer.ID), body, nil)
}

func (c *Client) do(ctx context.Context, method string, path string, body []byte, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s %s returned %d", ErrUnavailable, method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnavailable, path, err)
	}
	return nil
}
