package airtable_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethicsmap/geoform/airtable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeRecords(start, count int) []airtable.Record {
	records := make([]airtable.Record, count)
	for i := 0; i < count; i++ {
		records[i] = airtable.Record{ID: fmt.Sprintf("rec%d", start+i), Fields: map[string]any{"Zipcode": "14850"}}
	}
	return records
}

func TestListAllPagination(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		assert.Equal(t, "Bearer token123", r.Header.Get("Authorization"))
		assert.Equal(t, "/base1/Responses", r.URL.Path)
		assert.Equal(t, "100", r.URL.Query().Get("pageSize"))

		var page map[string]any
		switch r.URL.Query().Get("offset") {
		case "":
			page = map[string]any{"records": makeRecords(0, 100), "offset": "page2"}
		case "page2":
			page = map[string]any{"records": makeRecords(100, 100), "offset": "page3"}
		case "page3":
			page = map[string]any{"records": makeRecords(200, 50)}
		default:
			t.Fatalf("unexpected offset %s", r.URL.Query().Get("offset"))
		}
		json.NewEncoder(w).Encode(page)
	}))
	defer server.Close()

	client := airtable.NewClient(server.URL, "token123", "base1", "Responses", 100)

	records, err := client.ListAll(context.Background(), nil)
	require.NoError(t, err)

	// exactly the concatenation of all three pages, in order
	assert.Len(t, records, 250)
	assert.Equal(t, "rec0", records[0].ID)
	assert.Equal(t, "rec100", records[100].ID)
	assert.Equal(t, "rec249", records[249].ID)
	assert.Equal(t, 3, requests)
}

func TestListAllPageCap(t *testing.T) {
	requests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		// a misbehaving store that never stops returning continuation tokens
		json.NewEncoder(w).Encode(map[string]any{"records": makeRecords(0, 100), "offset": "again"})
	}))
	defer server.Close()

	client := airtable.NewClient(server.URL, "token123", "base1", "Responses", 3)

	records, err := client.ListAll(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, records, 300)
	assert.Equal(t, 3, requests)
}

func TestQuery(t *testing.T) {
	var formula string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		formula = r.URL.Query().Get("filterByFormula")
		json.NewEncoder(w).Encode(map[string]any{"records": makeRecords(0, 1)})
	}))
	defer server.Close()

	client := airtable.NewClient(server.URL, "token123", "base1", "Responses", 100)

	records, err := client.Query(context.Background(), "IP", "1.2.3.4")
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, `{IP} = "1.2.3.4"`, formula)
}

func TestEqualsFormula(t *testing.T) {
	assert.Equal(t, `{Session ID} = "abc123"`, airtable.EqualsFormula("Session ID", "abc123"))

	// quotes and backslashes can't break out of the string literal
	assert.Equal(t, `{City} = "he said \"hi\""`, airtable.EqualsFormula("City", `he said "hi"`))
	assert.Equal(t, `{City} = "back\\slash"`, airtable.EqualsFormula("City", `back\slash`))
}

func TestCreate(t *testing.T) {
	var method, path string
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		json.NewDecoder(r.Body).Decode(&received)
		json.NewEncoder(w).Encode(map[string]any{"id": "recNEW", "fields": received["fields"]})
	}))
	defer server.Close()

	client := airtable.NewClient(server.URL, "token123", "base1", "Responses", 100)

	record, err := client.Create(context.Background(), map[string]any{"IP": "1.2.3.4", "Zipcode": "14850"})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, method)
	assert.Equal(t, "/base1/Responses", path)
	assert.Equal(t, map[string]any{"IP": "1.2.3.4", "Zipcode": "14850"}, received["fields"])
	assert.Equal(t, "recNEW", record.ID)
}

func TestUpdate(t *testing.T) {
	var method, path string
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		json.NewDecoder(r.Body).Decode(&received)
		json.NewEncoder(w).Encode(map[string]any{"id": "rec42", "fields": received["fields"]})
	}))
	defer server.Close()

	client := airtable.NewClient(server.URL, "token123", "base1", "Responses", 100)

	record, err := client.Update(context.Background(), "rec42", map[string]any{"Email": "bob@acme.com"})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPatch, method)
	assert.Equal(t, "/base1/Responses/rec42", path)

	// only the email field is patched
	assert.Equal(t, map[string]any{"Email": "bob@acme.com"}, received["fields"])
	assert.Equal(t, "rec42", record.ID)
}

func TestStoreError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(422)
		w.Write([]byte(`{"error":{"type":"INVALID_FILTER_BY_FORMULA"}}`))
	}))
	defer server.Close()

	client := airtable.NewClient(server.URL, "token123", "base1", "Responses", 100)

	_, err := client.Query(context.Background(), "IP", "1.2.3.4")
	require.Error(t, err)

	storeErr := &airtable.StoreError{}
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, 422, storeErr.StatusCode)
	assert.Contains(t, string(storeErr.Body), "INVALID_FILTER_BY_FORMULA")
	assert.Contains(t, err.Error(), "status 422")
}

func TestRecordFields(t *testing.T) {
	record := &airtable.Record{ID: "rec1", Fields: map[string]any{
		"City":   " Ithaca ",
		"lat":    42.44,
		"lng":    "-76.5",
		"badlat": "north",
	}}

	assert.Equal(t, "Ithaca", record.StringField("City"))
	assert.Equal(t, "", record.StringField("Missing"))

	lat, ok := record.NumberField("lat")
	assert.True(t, ok)
	assert.Equal(t, 42.44, lat)

	lng, ok := record.NumberField("lng")
	assert.True(t, ok)
	assert.Equal(t, -76.5, lng)

	_, ok = record.NumberField("badlat")
	assert.False(t, ok)
	_, ok = record.NumberField("Missing")
	assert.False(t, ok)
}
