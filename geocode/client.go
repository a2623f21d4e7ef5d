package geocode

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/nyaruka/gocommon/httpx"
	cache "github.com/patrickmn/go-cache"
)

// ErrNotFound is returned when the service has no places for a zipcode
var ErrNotFound = errors.New("no places found for zipcode")

// Place is a resolved zipcode
type Place struct {
	City      string
	Latitude  float64
	Longitude float64
}

// Client looks up US zipcodes against a zippopotam style service, memoizing successful
// lookups so exports don't hammer the service for repeated zipcodes
type Client struct {
	httpClient *http.Client
	baseURL    string
	cache      *cache.Cache
}

// NewClient creates a new geocoding client for the passed in base URL
func NewClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		cache:      cache.New(time.Hour, 10*time.Minute),
	}
}

// Lookup resolves a zipcode to its first place. Callers treat any error here as a
// degraded enrichment, not a failure of theirs.
func (c *Client) Lookup(ctx context.Context, zipcode string) (*Place, error) {
	zipcode = strings.TrimSpace(zipcode)
	if zipcode == "" {
		return nil, ErrNotFound
	}

	if cached, found := c.cache.Get(zipcode); found {
		return cached.(*Place), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/us/%s", c.baseURL, zipcode), nil)
	if err != nil {
		return nil, err
	}

	trace, err := httpx.DoTrace(c.httpClient, req, nil, nil, 0)
	if err != nil {
		return nil, err
	}
	if trace.Response.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if trace.Response.StatusCode/100 != 2 {
		return nil, fmt.Errorf("geocode request failed with status %d", trace.Response.StatusCode)
	}

	place, err := parsePlace(trace.ResponseBody)
	if err != nil {
		return nil, err
	}

	c.cache.SetDefault(zipcode, place)
	return place, nil
}

// parses the first place out of a response, which renders coordinates as strings:
//
//	{"post code": "90210", "places": [{"place name": "Beverly Hills", "latitude": "34.0901", "longitude": "-118.4065"}]}
func parsePlace(body []byte) (*Place, error) {
	city, _ := jsonparser.GetString(body, "places", "[0]", "place name")

	latRaw, err := jsonparser.GetString(body, "places", "[0]", "latitude")
	if err != nil {
		return nil, ErrNotFound
	}
	lngRaw, err := jsonparser.GetString(body, "places", "[0]", "longitude")
	if err != nil {
		return nil, ErrNotFound
	}

	lat, err := strconv.ParseFloat(latRaw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latitude '%s' in geocode response", latRaw)
	}
	lng, err := strconv.ParseFloat(lngRaw, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid longitude '%s' in geocode response", lngRaw)
	}

	return &Place{City: city, Latitude: lat, Longitude: lng}, nil
}
