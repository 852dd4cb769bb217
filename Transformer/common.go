package Transformer

import (
	"os"
	"sort"

	"github.com/paulmach/orb"

	"github.com/cocoatrack/GeoParcel/models"
)

// RawFeature is one (attributes, geometry) pair extracted from a source file,
// before geometry normalization and validation.
type RawFeature struct {
	Properties map[string]interface{}
	Geometry   orb.Geometry
}

// ParseOutput is the single contract all three format parsers produce.
// HasProjectionInfo is only meaningful for shapefiles (presence of a .prj
// member); it stays nil for the other formats.
type ParseOutput struct {
	Features          []RawFeature
	Errors            []models.ImportError
	Warnings          []models.ImportError
	AvailableFields   []string
	HasProjectionInfo *bool
}

// ParseFile dispatches on the file kind recorded at upload time. path points
// at the downloaded archive/document on local disk.
func ParseFile(kind string, path string) (*ParseOutput, error) {
	switch kind {
	case models.FileKindShapefile:
		return ShapefileToFeatures(path)
	case models.FileKindKML:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return KmlToFeatures(data)
	case models.FileKindKMZ:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return KmzToFeatures(data)
	case models.FileKindGeoJSON:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return GeojsonToFeatures(data)
	default:
		return nil, models.ValidationError("file_kind", "unknown file kind: "+kind)
	}
}

// collectFields builds the sorted union of property keys over all features.
func collectFields(features []RawFeature) []string {
	seen := make(map[string]bool)
	for _, feature := range features {
		for key := range feature.Properties {
			seen[key] = true
		}
	}
	fields := make([]string, 0, len(seen))
	for key := range seen {
		fields = append(fields, key)
	}
	sort.Strings(fields)
	return fields
}
