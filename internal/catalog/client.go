package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/openwind/constraintbuilder/internal/config"
	cerrors "github.com/openwind/constraintbuilder/internal/errors"
	"github.com/openwind/constraintbuilder/internal/logfields"
	"github.com/openwind/constraintbuilder/internal/retry"
)

// Client reads groups and packages from a CKAN-style action API.
type Client struct {
	base   string
	http   *retryablehttp.Client
	policy retry.Policy
}

// NewClient builds a catalog client. Individual requests are retried by the
// HTTP client; when those retries are exhausted the call is retried again
// under policy until ctx ends.
func NewClient(cfg config.CatalogConfig, policy retry.Policy) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = slog.Default()
	return &Client{
		base:   strings.TrimRight(cfg.URL, "/"),
		http:   rc,
		policy: policy,
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type rawGroup struct {
	Name  string `json:"name"`
	Title string `json:"title"`
}

// Extra is a free-form key/value attribute of a package.
type Extra struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Package is a raw catalog dataset.
type Package struct {
	Name      string     `json:"name"`
	Title     string     `json:"title"`
	Extras    []Extra    `json:"extras"`
	Resources []Resource `json:"resources"`
}

type searchResult struct {
	Count   int       `json:"count"`
	Results []Package `json:"results"`
}

// Groups lists every catalog group.
func (c *Client) Groups(ctx context.Context) ([]Group, error) {
	var raw []rawGroup
	if err := c.action(ctx, "group_list", url.Values{"all_fields": {"true"}}, &raw); err != nil {
		return nil, err
	}
	out := make([]Group, 0, len(raw))
	for _, g := range raw {
		out = append(out, Group{Name: g.Name, Title: g.Title})
	}
	return out, nil
}

// Packages lists the packages of one group.
func (c *Client) Packages(ctx context.Context, group string) ([]Package, error) {
	var res searchResult
	q := url.Values{"fq": {"groups:" + group}, "rows": {"1000"}}
	if err := c.action(ctx, "package_search", q, &res); err != nil {
		return nil, err
	}
	return res.Results, nil
}

func (c *Client) action(ctx context.Context, action string, q url.Values, into any) error {
	endpoint := c.base + "/api/3/action/" + action + "?" + q.Encode()
	notify := func(attempt int, delay time.Duration, err error) {
		slog.Warn("Catalog request failed, retrying",
			logfields.URL(endpoint), logfields.Attempt(attempt),
			slog.Duration("delay", delay), logfields.Error(err))
	}
	return retry.Forever(ctx, c.policy, notify, func(ctx context.Context) error {
		return c.get(ctx, endpoint, into)
	})
}

func (c *Client) get(ctx context.Context, endpoint string, into any) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return cerrors.CatalogUnavailable(endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return cerrors.CatalogUnavailable(endpoint, err)
	}
	if resp.StatusCode >= 500 {
		return cerrors.CatalogUnavailable(endpoint, fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return retry.Permanent(cerrors.New(cerrors.CategoryCatalog, cerrors.SeverityFatal,
			fmt.Sprintf("catalog returned status %d", resp.StatusCode)).WithContext("url", endpoint))
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return cerrors.CatalogUnavailable(endpoint, fmt.Errorf("decode response: %w", err))
	}
	if !env.Success {
		msg := "unknown error"
		if env.Error != nil {
			msg = env.Error.Message
		}
		return retry.Permanent(cerrors.New(cerrors.CategoryCatalog, cerrors.SeverityFatal, "catalog action failed: "+msg).
			WithContext("url", endpoint))
	}
	if err := json.Unmarshal(env.Result, into); err != nil {
		return retry.Permanent(cerrors.Wrap(err, cerrors.CategoryCatalog, cerrors.SeverityFatal, "unexpected catalog payload").
			WithContext("url", endpoint))
	}
	return nil
}
