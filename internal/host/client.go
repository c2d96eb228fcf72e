package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/l0p7/purgectrl/internal/config"
)

// ErrNotFound marks lookups for items the host no longer knows about. Callers
// treat it as "item gone", a softer condition than a transport failure.
var ErrNotFound = errors.New("host: item not found")

// httpDoer is the minimal client contract so tests can stub transport.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Client looks items up on the content-management host. It implements the
// directory dependency the triggers and the cache gate consult before acting.
type Client struct {
	baseURL string
	client  httpDoer
	logger  *slog.Logger
}

// NewClient wires a lookup client against the host query API with the
// configured timeout.
func NewClient(cfg config.HostConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout()},
		logger:  logger.With(slog.String("agent", "host_client")),
	}
}

// ItemByID fetches the current item snapshot. Returns ErrNotFound for 404s so
// callers can distinguish a deleted item from a broken host.
func (c *Client) ItemByID(ctx context.Context, id string) (Item, error) {
	if strings.TrimSpace(id) == "" {
		return Item{}, errors.New("host: empty item id")
	}
	endpoint := c.baseURL + "/items/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Item{}, fmt.Errorf("host: build lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Item{}, fmt.Errorf("host: lookup %s: %w", id, err)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	closeErr := resp.Body.Close()
	if err != nil {
		return Item{}, fmt.Errorf("host: read lookup response: %w", err)
	}
	if closeErr != nil {
		return Item{}, fmt.Errorf("host: close lookup response: %w", closeErr)
	}

	c.logger.Debug("item lookup",
		slog.String("item", id),
		slog.Int("status", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Item{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Item{}, fmt.Errorf("host: lookup %s: unexpected status %d", id, resp.StatusCode)
	}

	var item Item
	if err := json.Unmarshal(body, &item); err != nil {
		return Item{}, fmt.Errorf("host: decode item %s: %w", id, err)
	}
	if item.ID == "" {
		item.ID = ID(id)
	}
	return item, nil
}
