package Transformer

import (
	"encoding/json"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/cocoatrack/GeoParcel/models"
)

// GeojsonToFeatures accepts a single Feature or a FeatureCollection.
// Non-polygon members are reported per feature, never as a whole-file
// failure. Coordinates are assumed WGS84; no CRS transformation happens here.
func GeojsonToFeatures(data []byte) (*ParseOutput, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, models.NewImportError(models.ErrCodeValidation,
			"invalid GeoJSON document",
			map[string]interface{}{"cause": err.Error()})
	}

	var features []*geojson.Feature
	switch head.Type {
	case "FeatureCollection":
		collection, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, models.NewImportError(models.ErrCodeValidation,
				"invalid GeoJSON FeatureCollection",
				map[string]interface{}{"cause": err.Error()})
		}
		features = collection.Features
	case "Feature":
		feature, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, models.NewImportError(models.ErrCodeValidation,
				"invalid GeoJSON Feature",
				map[string]interface{}{"cause": err.Error()})
		}
		features = []*geojson.Feature{feature}
	default:
		return nil, models.NewImportError(models.ErrCodeValidation,
			"GeoJSON must be a Feature or FeatureCollection",
			map[string]interface{}{"type": head.Type})
	}

	output := &ParseOutput{}

	for index, feature := range features {
		if feature.Geometry == nil {
			output.Errors = append(output.Errors, models.ImportError{
				Code:    models.ErrCodeEmptyGeometry,
				Message: fmt.Sprintf("feature %d has no geometry", index),
				Details: map[string]interface{}{"feature_index": index},
			})
			continue
		}
		switch feature.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
			properties := map[string]interface{}(feature.Properties)
			if properties == nil {
				properties = make(map[string]interface{})
			}
			output.Features = append(output.Features, RawFeature{
				Properties: properties,
				Geometry:   feature.Geometry,
			})
		default:
			output.Warnings = append(output.Warnings, models.ImportError{
				Code:    models.ErrCodeUnsupportedGeometry,
				Message: fmt.Sprintf("feature %d is a %s; only Polygon and MultiPolygon are accepted", index, feature.Geometry.GeoJSONType()),
				Details: map[string]interface{}{"feature_index": index, "geometry_type": feature.Geometry.GeoJSONType()},
			})
		}
	}

	output.AvailableFields = collectFields(output.Features)
	return output, nil
}
