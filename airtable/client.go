package airtable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nyaruka/gocommon/httpx"
	"github.com/nyaruka/gocommon/jsonx"
)

// column names our pipeline reconciles on
const (
	FieldIP        = "IP"
	FieldSessionID = "Session ID"
	FieldEmail     = "Email"
	FieldZipcode   = "Zipcode"
	FieldCity      = "City"
	FieldCountry   = "Country"
)

const maxPageSize = 100

// Record is a single stored record, keyed by the opaque identifier the store assigns
type Record struct {
	ID          string         `json:"id"`
	CreatedTime string         `json:"createdTime,omitempty"`
	Fields      map[string]any `json:"fields"`
}

// StringField returns the named field as a trimmed string, or empty if unset or not a string
func (r *Record) StringField(name string) string {
	s, _ := r.Fields[name].(string)
	return strings.TrimSpace(s)
}

// NumberField returns the named field as a float, accepting both JSON numbers and
// numeric strings since store columns are sometimes configured as plain text
func (r *Record) NumberField(name string) (float64, bool) {
	switch v := r.Fields[name].(type) {
	case float64:
		return v, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

// StoreError is returned for any non-success response from the store, carrying the
// status and body so callers can decide what to do and operators can see what happened
type StoreError struct {
	StatusCode int
	Body       []byte
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store request failed with status %d: %s", e.StatusCode, string(e.Body))
}

// ListParams are the options for a single page request
type ListParams struct {
	PageSize int
	Offset   string
	Fields   []string
	Formula  string
}

// Client is a REST client for one table in the store. It does not retry, callers own
// retry policy.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	tableURL   string
	maxPages   int
}

// NewClient creates a new store client for the passed in base and table
func NewClient(baseURL, token, baseID, table string, maxPages int) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		token:      token,
		tableURL:   fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(baseURL, "/"), baseID, url.PathEscape(table)),
		maxPages:   maxPages,
	}
}

type pageResponse struct {
	Records []Record `json:"records"`
	Offset  string   `json:"offset,omitempty"`
}

// List requests a single page of records, returning the records and the continuation
// token for the next page, empty when this is the last page
func (c *Client) List(ctx context.Context, params ListParams) ([]Record, string, error) {
	query := url.Values{}
	pageSize := params.PageSize
	if pageSize < 1 || pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	query.Set("pageSize", fmt.Sprintf("%d", pageSize))
	if params.Offset != "" {
		query.Set("offset", params.Offset)
	}
	if params.Formula != "" {
		query.Set("filterByFormula", params.Formula)
	}
	for _, f := range params.Fields {
		query.Add("fields[]", f)
	}

	respBody, err := c.request(ctx, http.MethodGet, fmt.Sprintf("%s?%s", c.tableURL, query.Encode()), nil)
	if err != nil {
		return nil, "", err
	}

	page := &pageResponse{}
	if err := json.Unmarshal(respBody, page); err != nil {
		return nil, "", fmt.Errorf("error parsing store response: %w", err)
	}
	return page.Records, page.Offset, nil
}

// ListAll fetches every record in the table by following continuation tokens, in store
// order. The page count is bounded so a misbehaving upstream that keeps returning
// tokens can't loop us forever.
func (c *Client) ListAll(ctx context.Context, fields []string) ([]Record, error) {
	var all []Record
	offset := ""

	for page := 0; page < c.maxPages; page++ {
		records, nextOffset, err := c.List(ctx, ListParams{Fields: fields, Offset: offset})
		if err != nil {
			return nil, err
		}
		all = append(all, records...)

		if nextOffset == "" {
			break
		}
		offset = nextOffset
	}
	return all, nil
}

// Query requests the single page of records whose named field equals the passed in value
func (c *Client) Query(ctx context.Context, field, value string) ([]Record, error) {
	records, _, err := c.List(ctx, ListParams{Formula: EqualsFormula(field, value)})
	return records, err
}

// Create inserts a new record with the passed in fields, returning it with its assigned identifier
func (c *Client) Create(ctx context.Context, fields map[string]any) (*Record, error) {
	respBody, err := c.request(ctx, http.MethodPost, c.tableURL, &Record{Fields: fields})
	if err != nil {
		return nil, err
	}

	record := &Record{}
	if err := json.Unmarshal(respBody, record); err != nil {
		return nil, fmt.Errorf("error parsing store response: %w", err)
	}
	return record, nil
}

// Update patches only the passed in fields on the record with the passed in identifier,
// leaving all other fields untouched
func (c *Client) Update(ctx context.Context, id string, fields map[string]any) (*Record, error) {
	respBody, err := c.request(ctx, http.MethodPatch, fmt.Sprintf("%s/%s", c.tableURL, id), &Record{Fields: fields})
	if err != nil {
		return nil, err
	}

	record := &Record{}
	if err := json.Unmarshal(respBody, record); err != nil {
		return nil, fmt.Errorf("error parsing store response: %w", err)
	}
	return record, nil
}

func (c *Client) request(ctx context.Context, method, requestURL string, payload any) ([]byte, error) {
	var body *bytes.Reader
	if payload != nil {
		body = bytes.NewReader(jsonx.MustMarshal(payload))
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.token))
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	trace, err := httpx.DoTrace(c.httpClient, req, nil, nil, 0)
	if err != nil {
		return nil, err
	}
	if trace.Response.StatusCode/100 != 2 {
		return nil, &StoreError{StatusCode: trace.Response.StatusCode, Body: trace.ResponseBody}
	}
	return trace.ResponseBody, nil
}

// EqualsFormula builds a filter formula matching records whose named field equals the
// passed in value, escaping the value so it can't break out of the string literal
func EqualsFormula(field, value string) string {
	escaper := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return fmt.Sprintf(`{%s} = "%s"`, field, escaper.Replace(value))
}
