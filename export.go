package geoform

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/ethicsmap/geoform/airtable"
	"github.com/ethicsmap/geoform/geocode"
	"golang.org/x/exp/maps"
)

// Exporter converts stored records into GeoJSON point features for map display
type Exporter struct {
	store *airtable.Client
	geo   *geocode.Client

	latField   string
	lngField   string
	titleField string
	workers    int
}

// NewExporter creates a new exporter reading coordinates and titles from the passed in
// field names, with at most the passed in number of concurrent geocoding lookups
func NewExporter(store *airtable.Client, geo *geocode.Client, latField, lngField, titleField string, workers int) *Exporter {
	return &Exporter{store: store, geo: geo, latField: latField, lngField: lngField, titleField: titleField, workers: workers}
}

// ZipcodeDensity exports one coincident point feature per record sharing a zipcode, so
// density rendering on the map reflects how often each zipcode was submitted. Zipcodes
// that don't geocode are left out, this is a display export and lossy on purpose.
func (e *Exporter) ZipcodeDensity(ctx context.Context) (*FeatureCollection, error) {
	records, err := e.store.ListAll(ctx, []string{airtable.FieldZipcode})
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(records))
	for i := range records {
		if zip := records[i].StringField(airtable.FieldZipcode); zip != "" {
			counts[zip]++
		}
	}

	zipcodes := maps.Keys(counts)
	sort.Strings(zipcodes)

	places := e.lookupAll(ctx, zipcodes)

	features := make([]Feature, 0, len(records))
	for _, zip := range zipcodes {
		place := places[zip]
		if place == nil {
			continue
		}
		for i := 0; i < counts[zip]; i++ {
			features = append(features, NewPointFeature(place.Longitude, place.Latitude, nil))
		}
	}
	return NewFeatureCollection(features), nil
}

// StoredLocations exports one point feature per record carrying its own coordinates,
// silently skipping records without a resolvable lat/lng pair
func (e *Exporter) StoredLocations(ctx context.Context) (*FeatureCollection, error) {
	records, err := e.store.ListAll(ctx, []string{e.latField, e.lngField, e.titleField})
	if err != nil {
		return nil, err
	}

	features := make([]Feature, 0, len(records))
	for i := range records {
		lat, latOK := records[i].NumberField(e.latField)
		lng, lngOK := records[i].NumberField(e.lngField)
		if !latOK || !lngOK {
			continue
		}

		features = append(features, NewPointFeature(lng, lat, map[string]any{
			"id":    records[i].ID,
			"title": records[i].StringField(e.titleField),
		}))
	}
	return NewFeatureCollection(features), nil
}

// lookupAll geocodes the passed in zipcodes, fanning lookups out over a bounded number
// of workers. Failed lookups are dropped, the export degrades rather than erroring.
func (e *Exporter) lookupAll(ctx context.Context, zipcodes []string) map[string]*geocode.Place {
	places := make(map[string]*geocode.Place, len(zipcodes))

	var mutex sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.workers)

	for _, zip := range zipcodes {
		wg.Add(1)
		sem <- struct{}{}

		go func(zip string) {
			defer wg.Done()
			defer func() { <-sem }()

			place, err := e.geo.Lookup(ctx, zip)
			if err != nil {
				slog.Debug("zipcode skipped in export", "comp", "exporter", "zipcode", zip, "error", err)
				return
			}

			mutex.Lock()
			places[zip] = place
			mutex.Unlock()
		}(zip)
	}
	wg.Wait()

	return places
}
