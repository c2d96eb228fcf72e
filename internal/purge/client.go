// Package purge sends batched cache invalidations to the Cloudflare purge API.
// Failures are soft: the client reports an outcome, never retries, and a
// missing credential pair turns every call into a logged no-op.
package purge

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/l0p7/purgectrl/internal/config"
	"github.com/l0p7/purgectrl/internal/metrics"
)

// Outcome classifies a purge attempt for logs and metrics.
type Outcome string

const (
	// OutcomeSkipped means nothing was sent: no credentials or no URLs.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeSent means the purge API accepted the batch.
	OutcomeSent Outcome = "sent"
	// OutcomeTransportError means the request never produced a response.
	OutcomeTransportError Outcome = "transport_error"
	// OutcomeRejected means the purge API answered with a non-2xx status.
	OutcomeRejected Outcome = "rejected"
)

// maxLoggedBody caps how much of a rejection body makes it into logs.
const maxLoggedBody = 2 << 10

// Credentials pairs the zone with its API token. Both must be present for the
// client to send anything.
type Credentials struct {
	Zone  string
	Token string
}

// Present reports whether the pair is complete.
func (c Credentials) Present() bool {
	return strings.TrimSpace(c.Zone) != "" && strings.TrimSpace(c.Token) != ""
}

// httpDoer is the minimal client contract so tests can stub transport.
type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Client batches purge-by-URL requests against one zone.
type Client struct {
	baseURL string
	creds   Credentials
	client  httpDoer
	metrics *metrics.Recorder
	logger  *slog.Logger
}

// NewClient wires a purge client from the edge configuration. Construction
// never fails; an incomplete credential pair yields a client whose Purge
// calls all report OutcomeSkipped.
func NewClient(cfg config.EdgeConfig, recorder *metrics.Recorder, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.APIBaseURL, "/"),
		creds:   Credentials{Zone: cfg.ZoneID, Token: cfg.APIToken},
		client:  &http.Client{Timeout: cfg.Timeout()},
		metrics: recorder,
		logger:  logger,
	}
}

// Configured reports whether the client holds a complete credential pair.
func (c *Client) Configured() bool { return c.creds.Present() }

type purgePayload struct {
	Files []string `json:"files"`
}

// Purge sends one batched purge request for the given URLs. Duplicates and
// blanks are dropped first. The call is fire-and-forget: every failure mode
// maps to an outcome and a log line, never an error, so callers treat the
// edge as advisory.
func (c *Client) Purge(ctx context.Context, urls []string) Outcome {
	files := dedupe(urls)
	if !c.creds.Present() || len(files) == 0 {
		c.logger.Debug("purge skipped",
			slog.Bool("configured", c.creds.Present()),
			slog.Int("urls", len(files)))
		c.metrics.ObservePurge(string(OutcomeSkipped), 0)
		return OutcomeSkipped
	}

	body, err := json.Marshal(purgePayload{Files: files})
	if err != nil {
		c.logger.Warn("purge payload encoding failed", slog.Any("error", err))
		c.metrics.ObservePurge(string(OutcomeTransportError), 0)
		return OutcomeTransportError
	}

	endpoint := c.baseURL + "/zones/" + url.PathEscape(c.creds.Zone) + "/purge_cache"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		c.logger.Warn("purge request build failed", slog.Any("error", err))
		c.metrics.ObservePurge(string(OutcomeTransportError), 0)
		return OutcomeTransportError
	}
	req.Header.Set("Authorization", "Bearer "+c.creds.Token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(start)
	if err != nil {
		c.logger.Warn("purge request failed",
			slog.Int("urls", len(files)),
			slog.Any("error", err))
		c.metrics.ObservePurge(string(OutcomeTransportError), duration)
		return OutcomeTransportError
	}
	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
	if closeErr := resp.Body.Close(); closeErr != nil && readErr == nil {
		readErr = closeErr
	}
	if readErr != nil {
		c.logger.Warn("purge response read failed", slog.Any("error", readErr))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("purge rejected",
			slog.Int("status", resp.StatusCode),
			slog.Int("urls", len(files)),
			slog.String("response", strings.TrimSpace(string(respBody))))
		c.metrics.ObservePurge(string(OutcomeRejected), duration)
		return OutcomeRejected
	}

	c.logger.Debug("purge sent",
		slog.Int("urls", len(files)),
		slog.Int("status", resp.StatusCode))
	c.metrics.ObservePurge(string(OutcomeSent), duration)
	return OutcomeSent
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		trimmed := strings.TrimSpace(u)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
