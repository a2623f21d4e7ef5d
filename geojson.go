package geoform

// Geometry is a GeoJSON point geometry, coordinates in [lng, lat] order as map
// renderers expect
type Geometry struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

// Feature is a single GeoJSON point feature
type Feature struct {
	Type       string         `json:"type"`
	Geometry   Geometry       `json:"geometry"`
	Properties map[string]any `json:"properties,omitempty"`
}

// FeatureCollection is a GeoJSON feature collection
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// NewPointFeature creates a point feature at the passed in coordinates
func NewPointFeature(lng, lat float64, properties map[string]any) Feature {
	return Feature{
		Type:       "Feature",
		Geometry:   Geometry{Type: "Point", Coordinates: [2]float64{lng, lat}},
		Properties: properties,
	}
}

// NewFeatureCollection creates a collection of the passed in features, never with a
// null features array
func NewFeatureCollection(features []Feature) *FeatureCollection {
	if features == nil {
		features = []Feature{}
	}
	return &FeatureCollection{Type: "FeatureCollection", Features: features}
}
