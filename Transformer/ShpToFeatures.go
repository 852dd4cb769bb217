package Transformer

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"golang.org/x/text/encoding/charmap"

	"github.com/cocoatrack/GeoParcel/methods"
	"github.com/cocoatrack/GeoParcel/models"
)

var numericRegex = regexp.MustCompile(`^\d+(\.\d+)?$`)

// TrimTrailingZeros normalizes numeric attribute strings read from DBF
// columns: "12.5000" becomes "12.5", "7.000" becomes "7". Non-numeric
// strings pass through unchanged.
func TrimTrailingZeros(input string) string {
	if !numericRegex.MatchString(input) {
		return input
	}

	if strings.Contains(input, ".") {
		parts := strings.Split(input, ".")
		intPart := parts[0]
		fracPart := strings.TrimRight(parts[1], "0")

		if len(fracPart) == 0 {
			return intPart
		} else if len(fracPart) >= 5 {
			fracPart = fracPart[:5]
		}

		return intPart + "." + fracPart
	}

	return input
}

// SplitPoints cuts the flat shapefile point array into rings using the parts
// index table.
func SplitPoints(points []shp.Point, parts []int32) [][]shp.Point {
	var rings [][]shp.Point
	for i, partIndex := range parts {
		start := partIndex
		var end int32
		if i < len(parts)-1 {
			end = parts[i+1]
		} else {
			end = int32(len(points))
		}
		rings = append(rings, points[start:end])
	}
	return rings
}

// IsClockwise reports ring winding; in the shapefile spec outer rings are
// clockwise and holes counter-clockwise.
func IsClockwise(points []orb.Point) bool {
	sum := 0.0
	for i := 0; i < len(points)-1; i++ {
		p1 := points[i]
		p2 := points[i+1]
		sum += (p2[0] - p1[0]) * (p2[1] + p1[1])
	}
	return sum > 0
}

// splitParts groups ring indexes into polygons: each outer ring (true) opens
// a group that absorbs the holes (false) following it.
func splitParts(parts []int32, outers []bool) [][]int32 {
	var result [][]int32
	var currentGroup []int32
	groupStarted := false
	for i, part := range parts {
		if outers[i] {
			if groupStarted {
				result = append(result, currentGroup)
			}
			currentGroup = []int32{part}
			groupStarted = true
		} else if groupStarted {
			currentGroup = append(currentGroup, part)
		}
	}
	if len(currentGroup) > 0 {
		result = append(result, currentGroup)
	}
	return result
}

func createIndexSlice(n int32) []int32 {
	indexSlice := make([]int32, 0, n)
	for i := int32(0); i < n; i++ {
		indexSlice = append(indexSlice, i)
	}
	return indexSlice
}

// ShapefileToFeatures parses a zipped (or rar-ed) shapefile archive. The
// archive must contain .shp, .shx and .dbf members; a missing member fails
// the whole parse before any geometry decode. A missing .prj is surfaced via
// HasProjectionInfo=false, never a failure.
func ShapefileToFeatures(archivePath string) (*ParseOutput, error) {
	workDir, err := os.MkdirTemp("", "shpimport")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(workDir)

	if err := methods.ExtractArchive(archivePath, workDir); err != nil {
		return nil, models.NewImportError(models.ErrCodeValidation,
			"failed to extract shapefile archive",
			map[string]interface{}{"cause": err.Error()})
	}

	shpPath := methods.FindFileByExt(workDir, ".shp")
	var missing []string
	for _, ext := range []string{".shp", ".shx", ".dbf"} {
		if methods.FindFileByExt(workDir, ext) == "" {
			missing = append(missing, ext)
		}
	}
	if len(missing) > 0 {
		return nil, models.NewImportError(models.ErrCodeMissingRequiredFiles,
			"shapefile archive is missing required members: "+strings.Join(missing, ", "),
			map[string]interface{}{"missing_extensions": missing})
	}

	hasProjection := methods.FindFileByExt(workDir, ".prj") != ""

	shape, err := shp.Open(shpPath)
	if err != nil {
		return nil, models.NewImportError(models.ErrCodeValidation,
			"failed to read shapefile geometry",
			map[string]interface{}{"cause": err.Error()})
	}
	defer shape.Close()

	fields := shape.Fields()
	encoding := readCPGEncoding(shpPath)

	output := &ParseOutput{HasProjectionInfo: &hasProjection}

	for shape.Next() {
		n, p := shape.Shape()

		switch s := p.(type) {
		case *shp.Polygon:
			geometry := buildMultiPolygon(s.Points, s.Parts)
			output.Features = append(output.Features, RawFeature{
				Properties: buildAttributes(n, shape, fields, encoding),
				Geometry:   geometry,
			})
		case *shp.PolygonZ:
			geometry := buildMultiPolygon(s.Points, s.Parts)
			output.Features = append(output.Features, RawFeature{
				Properties: buildAttributes(n, shape, fields, encoding),
				Geometry:   geometry,
			})
		case *shp.PolygonM:
			geometry := buildMultiPolygon(s.Points, s.Parts)
			output.Features = append(output.Features, RawFeature{
				Properties: buildAttributes(n, shape, fields, encoding),
				Geometry:   geometry,
			})
		default:
			output.Warnings = append(output.Warnings, models.ImportError{
				Code:    models.ErrCodeUnsupportedGeometry,
				Message: fmt.Sprintf("feature %d has a non-polygon shape type and was skipped", n),
				Details: map[string]interface{}{"feature_index": n},
			})
		}
	}

	output.AvailableFields = collectFields(output.Features)
	return output, nil
}

// buildMultiPolygon converts the flat point/parts representation into an orb
// multipolygon, pairing each clockwise outer ring with the holes behind it.
// PolygonZ/PolygonM Z and M arrays are ignored; storage is strictly 2D.
func buildMultiPolygon(points []shp.Point, parts []int32) orb.MultiPolygon {
	var multiPolygon orb.MultiPolygon

	rings := SplitPoints(points, parts)

	outers := make([]bool, len(rings))
	for i, part := range rings {
		orbPoints := make([]orb.Point, len(part))
		for j, point := range part {
			orbPoints[j] = orb.Point{point.X, point.Y}
		}
		outers[i] = IsClockwise(orbPoints)
	}

	ringIndex := createIndexSlice(int32(len(rings)))
	grouped := splitParts(ringIndex, outers)

	// Some writers emit everything counter-clockwise; treat the whole shape
	// as one polygon then.
	if len(grouped) == 0 && len(rings) > 0 {
		grouped = [][]int32{ringIndex}
	}

	for _, group := range grouped {
		var polygonRings []orb.Ring
		for _, i := range group {
			coords := make([]orb.Point, len(rings[i]))
			for j, vertex := range rings[i] {
				coords[j] = orb.Point{vertex.X, vertex.Y}
			}
			polygonRings = append(polygonRings, orb.Ring(coords))
		}
		multiPolygon = append(multiPolygon, orb.Polygon(polygonRings))
	}

	return multiPolygon
}

// readCPGEncoding reads the .cpg sidecar next to the .shp. Absent or unknown
// content falls back to auto detection (UTF-8 when valid, Latin-1 otherwise),
// which covers the DBF files cooperatives usually produce.
func readCPGEncoding(shpfilePath string) string {
	dir := filepath.Dir(shpfilePath)
	base := filepath.Base(shpfilePath)
	newBase := strings.TrimSuffix(base, filepath.Ext(base)) + ".cpg"
	cpgPath := filepath.Join(dir, newBase)

	cpgContent, err := os.ReadFile(cpgPath)
	if err != nil {
		return "auto"
	}
	content := strings.ToUpper(strings.TrimSpace(string(cpgContent)))
	switch {
	case strings.Contains(content, "UTF"):
		return "UTF-8"
	case strings.Contains(content, "8859"), strings.Contains(content, "LATIN"):
		return "ISO-8859-1"
	default:
		return "auto"
	}
}

func decodeDBFString(value string, encoding string) string {
	switch encoding {
	case "UTF-8":
		return value
	case "ISO-8859-1":
		decoded, err := charmap.ISO8859_1.NewDecoder().String(value)
		if err != nil {
			return value
		}
		return decoded
	default:
		if utf8.ValidString(value) {
			return value
		}
		decoded, err := charmap.ISO8859_1.NewDecoder().String(value)
		if err != nil {
			return value
		}
		return decoded
	}
}

func buildAttributes(n int, shape *shp.Reader, fields []shp.Field, encoding string) map[string]interface{} {
	attrs := make(map[string]interface{})

	for k, f := range fields {
		attrValue := strings.TrimRight(shape.ReadAttribute(n, k), "\x00")
		fieldName := decodeDBFString(strings.TrimRight(f.String(), "\x00"), encoding)
		attrs[fieldName] = TrimTrailingZeros(decodeDBFString(strings.TrimSpace(attrValue), encoding))
	}

	return attrs
}
