// Package remotecatalog is the narrow façade over the remote commerce
// platform's HTTP API: lookup by part number, fetch by id, and bulk update.
// Every call is routed through a ratelimit.Service so the RateGate remains
// the single admission point the pipeline promises.
//
// The shape (interface + HTTP implementation + mock) is grounded on the
// discovery scraper's MarketplaceAdapter / HTTPJSONAdapter / MockAdapter
// trio, generalized from a scrape target to a WooCommerce-style catalog
// endpoint.
package remotecatalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/nexacommerce/catalog-sync/internal/ratelimit"
)

// MetaEntry is a single {key,value} pair over the project's meta-data
// whitelist.
type MetaEntry struct {
	Key   string
	Value string
}

// UpdatePayload is the bit-exact shape emitted to bulkUpdate per §6.
type UpdatePayload struct {
	RemoteId    string
	PartNumber  string
	Sku         string
	Description string
	MetaEntries []MetaEntry
}

// CanonicalProduct is the whitelisted projection of a remote product used
// for diffing by the Reconciler.
type CanonicalProduct struct {
	RemoteId    string
	Sku         string
	Description string
	MetaEntries []MetaEntry
}

// BulkResult is one entry of bulkUpdate's per-id result list.
type BulkResult struct {
	RemoteId string
	Ok       bool
	Error    string
}

// NotFoundError reports lookupIdByPartNumber finding no result.
type NotFoundError struct {
	PartNumber string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("remote catalog: no product found for part number %q", e.PartNumber)
}

// FetchFailedError reports fetchById exhausting retries.
type FetchFailedError struct {
	RemoteId string
	Cause    error
}

func (e *FetchFailedError) Error() string {
	return fmt.Sprintf("remote catalog: fetch %s failed: %v", e.RemoteId, e.Cause)
}

func (e *FetchFailedError) Unwrap() error { return e.Cause }

// BulkFailedError reports bulkUpdate exhausting retries, carrying the
// {partNumber, remoteId} pairs for logging per §4.2.
type BulkFailedError struct {
	Items []FailedItem
	Cause error
}

// FailedItem identifies one payload in a failed bulk call.
type FailedItem struct {
	PartNumber string
	RemoteId   string
}

func (e *BulkFailedError) Error() string {
	return fmt.Sprintf("remote catalog: bulk update failed for %d items: %v", len(e.Items), e.Cause)
}

func (e *BulkFailedError) Unwrap() error { return e.Cause }

// Catalog is the capability contract the rest of the pipeline depends on.
type Catalog interface {
	LookupIdByPartNumber(ctx context.Context, partNumber string) (string, error)
	FetchById(ctx context.Context, remoteId string) (CanonicalProduct, error)
	BulkUpdate(ctx context.Context, payloads []UpdatePayload) ([]BulkResult, error)
}

// HTTPCatalog is the production Catalog implementation, speaking a
// WooCommerce-style REST API over basic auth with a consumer key/secret
// pair, grounded on fetchd.go's HTTPJSONAdapter.
type HTTPCatalog struct {
	log    logrus.FieldLogger
	gate   ratelimit.Service
	client *http.Client

	baseURL        string
	consumerKey    string
	consumerSecret string
}

// NewHTTPCatalog constructs an HTTPCatalog against baseURL.
func NewHTTPCatalog(log logrus.FieldLogger, gate ratelimit.Service, baseURL, consumerKey, consumerSecret string) *HTTPCatalog {
	return &HTTPCatalog{
		log:            log.WithField("component", "remotecatalog"),
		gate:           gate,
		client:         &http.Client{Timeout: 30 * time.Second},
		baseURL:        baseURL,
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
	}
}

type lookupResponse []struct {
	Id string `json:"id"`
}

// LookupIdByPartNumber searches by part number and returns the first
// result's id, or a *NotFoundError if the API returns no results.
func (c *HTTPCatalog) LookupIdByPartNumber(ctx context.Context, partNumber string) (string, error) {
	var remoteId string
	var notFound bool

	err := c.withRetry(ctx, "lookupIdByPartNumber", partNumber, func(ctx context.Context) error {
		q := url.Values{}
		q.Set("sku", partNumber)

		body, status, err := c.doRequest(ctx, http.MethodGet, "/products?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return c.statusError(status)
		}

		var results lookupResponse
		if err := json.Unmarshal(body, &results); err != nil {
			return fmt.Errorf("decode lookup response: %w", err)
		}
		if len(results) == 0 {
			notFound = true
			return nil
		}
		remoteId = results[0].Id
		return nil
	})
	if err != nil {
		return "", err
	}
	if notFound {
		return "", &NotFoundError{PartNumber: partNumber}
	}
	return remoteId, nil
}

type fetchResponse struct {
	Id          string `json:"id"`
	Sku         string `json:"sku"`
	Description string `json:"description"`
	MetaData    []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"meta_data"`
}

// FetchById returns the current CanonicalProduct projection.
func (c *HTTPCatalog) FetchById(ctx context.Context, remoteId string) (CanonicalProduct, error) {
	var product CanonicalProduct

	err := c.withRetry(ctx, "fetchById", remoteId, func(ctx context.Context) error {
		body, status, err := c.doRequest(ctx, http.MethodGet, "/products/"+url.PathEscape(remoteId), nil)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return c.statusError(status)
		}

		var resp fetchResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("decode fetch response: %w", err)
		}

		entries := make([]MetaEntry, 0, len(resp.MetaData))
		for _, m := range resp.MetaData {
			entries = append(entries, MetaEntry{Key: m.Key, Value: m.Value})
		}

		product = CanonicalProduct{
			RemoteId:    resp.Id,
			Sku:         resp.Sku,
			Description: resp.Description,
			MetaEntries: entries,
		}
		return nil
	})
	if err != nil {
		return CanonicalProduct{}, &FetchFailedError{RemoteId: remoteId, Cause: err}
	}
	return product, nil
}

type bulkUpdateRequestItem struct {
	Id          string                `json:"id"`
	Sku         string                `json:"sku,omitempty"`
	Description string                `json:"description,omitempty"`
	MetaData    []bulkUpdateMetaEntry `json:"meta_data,omitempty"`
}

type bulkUpdateMetaEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type bulkUpdateResponse struct {
	Update []struct {
		Id    string `json:"id"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error,omitempty"`
	} `json:"update"`
}

// BulkUpdate submits an ordered list of UpdatePayloads in one call,
// retrying the whole call on transient errors up to ratelimit.MaxAttempts,
// doubling the backoff delay again on a 524 per §4.5.
func (c *HTTPCatalog) BulkUpdate(ctx context.Context, payloads []UpdatePayload) ([]BulkResult, error) {
	items := make([]bulkUpdateRequestItem, 0, len(payloads))
	for _, p := range payloads {
		metas := make([]bulkUpdateMetaEntry, 0, len(p.MetaEntries))
		for _, m := range p.MetaEntries {
			metas = append(metas, bulkUpdateMetaEntry{Key: m.Key, Value: m.Value})
		}
		items = append(items, bulkUpdateRequestItem{
			Id:          p.RemoteId,
			Sku:         p.Sku,
			Description: p.Description,
			MetaData:    metas,
		})
	}

	reqBody, err := json.Marshal(map[string]any{"update": items})
	if err != nil {
		return nil, fmt.Errorf("encode bulk update request: %w", err)
	}

	var results []BulkResult

	err = c.withRetry(ctx, "bulkUpdate", fmt.Sprintf("%d items", len(payloads)), func(ctx context.Context) error {
		body, status, err := c.doRequest(ctx, http.MethodPost, "/products/batch", reqBody)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return c.statusError(status)
		}

		var resp bulkUpdateResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("decode bulk update response: %w", err)
		}

		results = make([]BulkResult, 0, len(resp.Update))
		for _, u := range resp.Update {
			r := BulkResult{RemoteId: u.Id, Ok: u.Error == nil}
			if u.Error != nil {
				r.Error = u.Error.Message
			}
			results = append(results, r)
		}
		return nil
	})
	if err != nil {
		items := make([]FailedItem, 0, len(payloads))
		for _, p := range payloads {
			items = append(items, FailedItem{PartNumber: p.PartNumber, RemoteId: p.RemoteId})
		}
		return nil, &BulkFailedError{Items: items, Cause: err}
	}
	return results, nil
}

// withRetry loops attempts through gate.Schedule, consulting
// gate.OnFailure between attempts, doubling the returned delay again when
// the failure was specifically a 524 (per §4.5's bulkUpdate backoff rule).
func (c *HTTPCatalog) withRetry(ctx context.Context, op, id string, fn func(ctx context.Context) error) error {
	correlationID := uuid.NewString()
	log := c.log.WithFields(logrus.Fields{"op": op, "id": id, "correlation_id": correlationID})

	var lastErr error
	for attempt := 0; attempt < ratelimit.MaxAttempts; attempt++ {
		err := c.gate.Schedule(ctx, ratelimit.ScheduleOptions{ID: id, Attribution: op}, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		is524 := false
		if se, ok := err.(*ratelimit.HTTPStatusError); ok {
			is524 = se.StatusCode == 524
		}

		delay, retry := c.gate.OnFailure(err, attempt)
		if !retry || attempt == ratelimit.MaxAttempts-1 {
			log.WithError(err).Warn("giving up after exhausting retries")
			return lastErr
		}
		if is524 {
			delay *= 2
		}

		log.WithError(err).WithField("delay", delay).Warn("retrying after transient failure")

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

func (c *HTTPCatalog) statusError(status int) error {
	return &ratelimit.HTTPStatusError{StatusCode: status}
}

func (c *HTTPCatalog) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.consumerKey, c.consumerSecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response body: %w", err)
	}
	return respBody, resp.StatusCode, nil
}
