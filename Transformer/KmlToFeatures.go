package Transformer

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/cocoatrack/GeoParcel/Transformer/KmlGeo"
	"github.com/cocoatrack/GeoParcel/methods"
	"github.com/cocoatrack/GeoParcel/models"
)

type Document struct {
	Name      string      `xml:"name"`
	Folder    []Folder    `xml:"Folder"`
	Placemark []Placemark `xml:"Placemark"`
}
type Folder struct {
	ID        string      `xml:"id,attr"`
	Name      string      `xml:"name"`
	Folder    []Folder    `xml:"Folder"`
	Placemark []Placemark `xml:"Placemark"`
}
type Placemark struct {
	ID            string                `xml:"id,attr"`
	Name          string                `xml:"name"`
	Description   string                `xml:"description"`
	ExtendedData  ExtendedData          `xml:"ExtendedData"`
	LineString    *KmlGeo.LineString    `xml:"LineString"`
	Point         *KmlGeo.Point         `xml:"Point"`
	Polygon       *KmlGeo.Polygon       `xml:"Polygon"`
	MultiGeometry *KmlGeo.MultiGeometry `xml:"MultiGeometry"`
}
type ExtendedData struct {
	SchemaData SchemaData `xml:"SchemaData"`
	Data       []DataPair `xml:"Data"`
}
type SchemaData struct {
	SimpleData []SimpleData `xml:"SimpleData"`
}
type SimpleData struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}
type DataPair struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

type Kml struct {
	XMLName  xml.Name `xml:"kml"`
	Document Document `xml:"Document"`
}

// StringToCoords parses a KML coordinate string: whitespace-separated
// "lon,lat[,alt]" tuples. Any altitude component is dropped.
func StringToCoords(coords string) []orb.Point {
	var points []orb.Point
	for _, coord := range strings.Fields(coords) {
		parts := strings.Split(coord, ",")
		if len(parts) >= 2 {
			x, errX := strconv.ParseFloat(parts[0], 64)
			y, errY := strconv.ParseFloat(parts[1], 64)
			if errX == nil && errY == nil {
				points = append(points, orb.Point{x, y})
			}
		}
	}
	return points
}

// KmzToFeatures unwraps a KMZ archive (a zip around one KML document) and
// delegates to the KML parser.
func KmzToFeatures(data []byte) (*ParseOutput, error) {
	kmlData, err := methods.ExtractKMZ(data)
	if err != nil {
		return nil, models.NewImportError(models.ErrCodeValidation,
			"failed to unwrap KMZ archive",
			map[string]interface{}{"cause": err.Error()})
	}
	return KmlToFeatures(kmlData)
}

func KmlToFeatures(data []byte) (*ParseOutput, error) {
	var kml Kml
	if err := xml.Unmarshal(data, &kml); err != nil {
		return nil, models.NewImportError(models.ErrCodeValidation,
			"failed to parse KML document",
			map[string]interface{}{"cause": err.Error()})
	}

	output := &ParseOutput{}

	placemarks := kml.Document.Placemark
	placemarks = append(placemarks, collectPlacemarks(kml.Document.Folder)...)

	for index, item := range placemarks {
		attrs := extractAttributes(item)

		switch {
		case item.Polygon != nil:
			output.Features = append(output.Features, RawFeature{
				Properties: attrs,
				Geometry:   kmlPolygonToOrb(item.Polygon),
			})

		case item.MultiGeometry != nil && len(item.MultiGeometry.Polygons) > 0:
			var multiPolygon orb.MultiPolygon
			for i := range item.MultiGeometry.Polygons {
				multiPolygon = append(multiPolygon, kmlPolygonToOrb(&item.MultiGeometry.Polygons[i]))
			}
			output.Features = append(output.Features, RawFeature{
				Properties: attrs,
				Geometry:   multiPolygon,
			})

		default:
			output.Warnings = append(output.Warnings, models.ImportError{
				Code:    models.ErrCodeUnsupportedGeometry,
				Message: fmt.Sprintf("placemark %d has no polygon geometry and was skipped", index),
				Details: map[string]interface{}{"feature_index": index, "placemark_name": item.Name},
			})
		}
	}

	output.AvailableFields = collectFields(output.Features)
	return output, nil
}

func collectPlacemarks(folders []Folder) []Placemark {
	var placemarks []Placemark
	for _, folder := range folders {
		placemarks = append(placemarks, folder.Placemark...)
		placemarks = append(placemarks, collectPlacemarks(folder.Folder)...)
	}
	return placemarks
}

// extractAttributes merges SchemaData simple fields, Data pairs, and the
// placemark name/description into one attribute bag.
func extractAttributes(item Placemark) map[string]interface{} {
	attrs := make(map[string]interface{})
	for _, f := range item.ExtendedData.SchemaData.SimpleData {
		attrs[f.Name] = f.Value
	}
	for _, d := range item.ExtendedData.Data {
		attrs[d.Name] = d.Value
	}
	if item.Name != "" {
		attrs["name"] = item.Name
	}
	if item.Description != "" {
		attrs["description"] = strings.TrimSpace(item.Description)
	}
	return attrs
}

func kmlPolygonToOrb(polygon *KmlGeo.Polygon) orb.Polygon {
	var rings []orb.Ring
	rings = append(rings, orb.Ring(StringToCoords(polygon.OuterBoundaryIs.LinearRing.Coordinates)))
	for _, inner := range polygon.InnerBoundaryIs {
		rings = append(rings, orb.Ring(StringToCoords(inner.LinearRing.Coordinates)))
	}
	return orb.Polygon(rings)
}
