// Package doi drafts and publishes DOIs against a DataCite-compatible
// registry. The client is a thin HTTP adapter: it retries transport
// faults a bounded number of times, and treats any non-2xx response as
// a terminal error for the current message.
package doi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/neicnordic/sda-orchestrator/go/config"
)

// DOI is a minted identifier. FullDOI is "<prefix>/<suffix>". A draft
// DOI is not findable until published via SetState("publish", suffix).
type DOI struct {
	Suffix  string
	FullDOI string
}

// Error is a failed registry interaction. Status is zero when the
// failure happened below HTTP (after transport retries were exhausted).
type Error struct {
	Op     string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("doi %s: registry returned HTTP %d", e.Op, e.Status)
	}
	return fmt.Sprintf("doi %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Client talks to one DOI registry under one prefix.
type Client struct {
	api    string
	prefix string
	user   string
	key    string
	client *http.Client
}

// NewClient builds a Client from configuration.
func NewClient(cfg config.DOIConfig) *Client {
	return &Client{
		api:    strings.TrimSuffix(cfg.API, "/"),
		prefix: cfg.Prefix,
		user:   cfg.User,
		key:    cfg.Key,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// CreateDraft mints a draft DOI with minimal metadata derived from the
// submitting user and file path.
func (c *Client) CreateDraft(ctx context.Context, user, filepath string) (DOI, error) {
	var payload = map[string]any{
		"data": map[string]any{
			"type": "dois",
			"attributes": map[string]any{
				"prefix":   c.prefix,
				"creators": []map[string]any{{"name": user}},
				"titles":   []map[string]any{{"title": path.Base(filepath)}},
				"types":    map[string]any{"resourceTypeGeneral": "Dataset"},
			},
		},
	}

	var body, status, err = c.do(ctx, http.MethodPost, c.api+"/dois", payload)
	if err != nil {
		return DOI{}, &Error{Op: "create draft", Err: err}
	}
	if status < 200 || status >= 300 {
		return DOI{}, &Error{Op: "create draft", Status: status}
	}

	var resp struct {
		Data struct {
			ID         string `json:"id"`
			Attributes struct {
				Suffix string `json:"suffix"`
			} `json:"attributes"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return DOI{}, &Error{Op: "create draft", Err: fmt.Errorf("parsing response: %w", err)}
	}

	var suffix = resp.Data.Attributes.Suffix
	if suffix == "" {
		// Older registries return only the full DOI as the record id.
		if _, s, ok := strings.Cut(resp.Data.ID, "/"); ok {
			suffix = s
		}
	}
	if suffix == "" {
		return DOI{}, &Error{Op: "create draft", Err: fmt.Errorf("response carries no suffix")}
	}

	var d = DOI{Suffix: suffix, FullDOI: c.prefix + "/" + suffix}
	log.WithFields(log.Fields{"doi": d.FullDOI, "user": user}).Info("drafted DOI")
	return d, nil
}

// SetState transitions a DOI. The orchestrator publishes drafts only
// once their access-registry side is in place.
func (c *Client) SetState(ctx context.Context, state, suffix string) error {
	var payload = map[string]any{
		"data": map[string]any{
			"type":       "dois",
			"attributes": map[string]any{"event": state},
		},
	}

	var url = fmt.Sprintf("%s/dois/%s/%s", c.api, c.prefix, suffix)
	var _, status, err = c.do(ctx, http.MethodPut, url, payload)
	if err != nil {
		return &Error{Op: state, Err: err}
	}
	if status < 200 || status >= 300 {
		return &Error{Op: state, Status: status}
	}

	log.WithFields(log.Fields{"doi": c.prefix + "/" + suffix, "event": state}).Info("transitioned DOI")
	return nil
}

// transport faults are retried; HTTP responses of any status are not.
const maxAttempts = 3

func (c *Client) do(ctx context.Context, method, url string, payload any) ([]byte, int, error) {
	var buf, err = json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("encoding request: %w", err)
	}

	var wait = retryBackoff{initial: 500 * time.Millisecond, max: 5 * time.Second}
	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(buf))
		if err != nil {
			return nil, 0, err
		}
		req.SetBasicAuth(c.user, c.key)
		req.Header.Set("Content-Type", "application/vnd.api+json")

		resp, err := c.client.Do(req)
		if err == nil {
			body, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				return nil, 0, fmt.Errorf("reading response: %w", err)
			}
			return body, resp.StatusCode, nil
		}
		if attempt == maxAttempts || ctx.Err() != nil {
			return nil, 0, err
		}

		log.WithFields(log.Fields{"err": err, "attempt": attempt, "url": url}).
			Warn("DOI registry transport fault, retrying")
		select {
		case <-time.After(wait.next()):
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

// retryBackoff doubles the wait on each use, up to max.
type retryBackoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func (b *retryBackoff) next() time.Duration {
	if b.current == 0 {
		b.current = b.initial
	} else if b.current *= 2; b.current > b.max {
		b.current = b.max
	}
	return b.current
}
