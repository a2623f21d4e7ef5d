package geocode_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethicsmap/geoform/geocode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ithacaResponse = `{
	"post code": "14850",
	"country": "United States",
	"places": [{"place name": "Ithaca", "state": "New York", "latitude": "42.4406", "longitude": "-76.4966"}]
}`

func TestLookup(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		switch r.URL.Path {
		case "/us/14850":
			w.Write([]byte(ithacaResponse))
		case "/us/00000":
			w.WriteHeader(404)
		case "/us/99999":
			w.Write([]byte(`{"places": []}`))
		case "/us/66666":
			w.Write([]byte(`{"places": [{"place name": "Nowhere", "latitude": "north", "longitude": "west"}]}`))
		default:
			w.WriteHeader(500)
		}
	}))
	defer server.Close()

	client := geocode.NewClient(server.URL)
	ctx := context.Background()

	place, err := client.Lookup(ctx, "14850")
	require.NoError(t, err)
	assert.Equal(t, "Ithaca", place.City)
	assert.Equal(t, 42.4406, place.Latitude)
	assert.Equal(t, -76.4966, place.Longitude)

	// successful lookups are memoized
	place, err = client.Lookup(ctx, "14850")
	require.NoError(t, err)
	assert.Equal(t, "Ithaca", place.City)
	assert.Equal(t, 1, requests)

	// unknown zipcode
	_, err = client.Lookup(ctx, "00000")
	assert.ErrorIs(t, err, geocode.ErrNotFound)

	// empty places array
	_, err = client.Lookup(ctx, "99999")
	assert.ErrorIs(t, err, geocode.ErrNotFound)

	// unparseable coordinates
	_, err = client.Lookup(ctx, "66666")
	assert.ErrorContains(t, err, "invalid latitude")

	// upstream failure
	_, err = client.Lookup(ctx, "55555")
	assert.ErrorContains(t, err, "status 500")

	// blank zipcodes don't even hit the service
	before := requests
	_, err = client.Lookup(ctx, "  ")
	assert.ErrorIs(t, err, geocode.ErrNotFound)
	assert.Equal(t, before, requests)
}

func TestLookupConnectionError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := geocode.NewClient(server.URL)

	_, err := client.Lookup(context.Background(), "14850")
	assert.Error(t, err)
}
