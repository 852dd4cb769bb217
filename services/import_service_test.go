package services

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cocoatrack/GeoParcel/Transformer"
	"github.com/cocoatrack/GeoParcel/methods"
	"github.com/cocoatrack/GeoParcel/models"
)

var testSession = models.Session{UserID: "agent-1", CooperativeID: "coop-1"}

func newTestService(t *testing.T) *ImportService {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "geoparcel.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := models.MigrateAllTables(db); err != nil {
		t.Fatal(err)
	}
	return NewImportService(db, NewFSBlobService(t.TempDir()))
}

// squareFeature renders one GeoJSON feature: a 0.01-degree square at the
// given longitude with a producteur attribute.
func squareFeature(producteur string, lng float64) string {
	return fmt.Sprintf(`{
	  "type": "Feature",
	  "properties": {"producteur": %q, "village": "Daloa"},
	  "geometry": {"type": "Polygon", "coordinates": [[[%[2]f, 6.5], [%[2]f, 6.51], [%[3]f, 6.51], [%[3]f, 6.5], [%[2]f, 6.5]]]}
	}`, producteur, lng, lng+0.01)
}

func featureCollection(features ...string) []byte {
	return []byte(`{"type": "FeatureCollection", "features": [` + strings.Join(features, ",") + `]}`)
}

func assertCode(t *testing.T, err error, code string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error code %s, got nil", code)
	}
	ie := models.AsImportError(err)
	if ie.Code != code {
		t.Fatalf("expected error code %s, got %s (%s)", code, ie.Code, ie.Message)
	}
}

func uploadAndParse(t *testing.T, svc *ImportService, session models.Session, filename string, data []byte) (*models.ImportFile, *models.ParseResult) {
	t.Helper()
	ctx := context.Background()
	importFile, err := svc.Upload(ctx, session, filename, data)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	result, err := svc.Parse(ctx, session, importFile.ID)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return importFile, result
}

func createProducteur(t *testing.T, svc *ImportService, nom string, cooperativeID string) *models.Producteur {
	t.Helper()
	producteur := &models.Producteur{
		ID:            uuid.New().String(),
		Nom:           nom,
		NomNormalise:  methods.NormalizeName(nom),
		CooperativeID: cooperativeID,
		Actif:         true,
	}
	if err := svc.DB.Create(producteur).Error; err != nil {
		t.Fatal(err)
	}
	return producteur
}

func TestUploadRejectsUnsupportedExtension(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Upload(context.Background(), testSession, "parcels.xlsx", []byte("data"))
	assertCode(t, err, models.ErrCodeValidation)
}

func TestUploadRejectsEmptyFile(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.Upload(context.Background(), testSession, "parcels.geojson", nil)
	assertCode(t, err, models.ErrCodeValidation)
}

func TestUploadRejectsDuplicateFile(t *testing.T) {
	svc := newTestService(t)
	doc := featureCollection(squareFeature("Kouamé Yao", -5.5))

	if _, err := svc.Upload(context.Background(), testSession, "parcels.geojson", doc); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Upload(context.Background(), testSession, "renamed.geojson", doc)
	assertCode(t, err, models.ErrCodeDuplicateFile)
}

func TestUploadSameBytesDifferentCooperative(t *testing.T) {
	svc := newTestService(t)
	doc := featureCollection(squareFeature("Kouamé Yao", -5.5))

	if _, err := svc.Upload(context.Background(), testSession, "parcels.geojson", doc); err != nil {
		t.Fatal(err)
	}
	other := models.Session{UserID: "agent-2", CooperativeID: "coop-2"}
	if _, err := svc.Upload(context.Background(), other, "parcels.geojson", doc); err != nil {
		t.Fatalf("same bytes in another cooperative must be accepted: %v", err)
	}
}

func TestParse(t *testing.T) {
	svc := newTestService(t)
	doc := featureCollection(
		squareFeature("Kouamé Yao", -5.5),
		squareFeature("Adjoua", -5.6),
	)

	importFile, result := uploadAndParse(t, svc, testSession, "parcels.geojson", doc)

	if len(result.Features) != 2 {
		t.Fatalf("expected 2 features, got %d", len(result.Features))
	}
	for _, feature := range result.Features {
		if !feature.Validation.OK {
			t.Fatalf("feature %s should be valid: %v", feature.TempID, feature.Validation.Errors)
		}
		if len(feature.GeomHash) != 64 {
			t.Fatalf("geom hash should be a sha256 digest, got %q", feature.GeomHash)
		}
		if feature.SurfaceHa <= 0 {
			t.Fatalf("surface must be positive, got %f", feature.SurfaceHa)
		}
		if feature.CentroidLng > -5.48 || feature.CentroidLng < -5.62 {
			t.Fatalf("centroid out of expected range: %f", feature.CentroidLng)
		}
	}
	if result.Features[0].GeomHash > result.Features[1].GeomHash {
		t.Fatal("features must be sorted by geometry hash")
	}

	stored, err := svc.Get(testSession, importFile.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.StatusParsed {
		t.Fatalf("status = %s, want parsed", stored.Status)
	}
	if stored.FeatureCount != 2 {
		t.Fatalf("feature count = %d, want 2", stored.FeatureCount)
	}
	if len(stored.Report) == 0 {
		t.Fatal("report must be persisted")
	}

	fields := result.Report.AvailableFields
	if len(fields) != 2 || fields[0] != "producteur" || fields[1] != "village" {
		t.Fatalf("available fields = %v", fields)
	}
}

func TestParseIsRepeatable(t *testing.T) {
	svc := newTestService(t)
	doc := featureCollection(squareFeature("Kouamé Yao", -5.5))
	importFile, first := uploadAndParse(t, svc, testSession, "parcels.geojson", doc)

	second, err := svc.Parse(context.Background(), testSession, importFile.ID)
	if err != nil {
		t.Fatal(err)
	}
	if first.Features[0].GeomHash != second.Features[0].GeomHash {
		t.Fatal("two parses of the same file must produce identical hashes")
	}
}

func TestParseFailsWithNoValidFeatures(t *testing.T) {
	svc := newTestService(t)
	doc := []byte(`{"type": "FeatureCollection", "features": [
	  {"type": "Feature", "properties": {}, "geometry": {"type": "Point", "coordinates": [-5.5, 6.5]}}
	]}`)

	importFile, err := svc.Upload(context.Background(), testSession, "points.geojson", doc)
	if err != nil {
		t.Fatal(err)
	}
	_, err = svc.Parse(context.Background(), testSession, importFile.ID)
	assertCode(t, err, models.ErrCodeValidation)

	stored, err := svc.Get(testSession, importFile.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
}

func TestParseShapefileMissingMembers(t *testing.T) {
	svc := newTestService(t)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, _ := zw.Create("parcelles.shp")
	f.Write([]byte("not a shapefile"))
	zw.Close()

	importFile, err := svc.Upload(context.Background(), testSession, "parcelles.zip", buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	_, err = svc.Parse(context.Background(), testSession, importFile.ID)
	assertCode(t, err, models.ErrCodeMissingRequiredFiles)

	stored, _ := svc.Get(testSession, importFile.ID)
	if stored.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
}

func TestParseWarnsOnProjectedCoordinates(t *testing.T) {
	svc := newTestService(t)

	// Coordinates outside the WGS84 envelope are advisory, not fatal.
	doc := []byte(`{"type": "FeatureCollection", "features": [
	  {"type": "Feature", "properties": {"producteur": "Kouamé Yao"},
	   "geometry": {"type": "Polygon", "coordinates": [[[450, 91], [450, 91.01], [450.01, 91.01], [450.01, 91], [450, 91]]]}}
	]}`)

	importFile, result := uploadAndParse(t, svc, testSession, "parcels.geojson", doc)

	if len(result.Features) != 1 {
		t.Fatalf("expected 1 feature, got %d", len(result.Features))
	}
	feature := result.Features[0]
	if !feature.Validation.OK {
		t.Fatalf("out-of-envelope coordinates must not invalidate the feature: %v", feature.Validation.Errors)
	}
	if len(feature.Validation.Warnings) == 0 {
		t.Fatal("expected a projected-coordinates warning")
	}
	if len(feature.GeomHash) != 64 {
		t.Fatalf("feature must still be hashed, got %q", feature.GeomHash)
	}

	flagged := false
	for _, warning := range result.Report.Warnings {
		if warning.Code == models.ErrCodeLikelyProjected {
			flagged = true
		}
	}
	if !flagged {
		t.Fatalf("report warnings must carry LIKELY_PROJECTED_COORDINATES, got %v", result.Report.Warnings)
	}

	stored, err := svc.Get(testSession, importFile.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != models.StatusParsed {
		t.Fatalf("status = %s, want parsed", stored.Status)
	}
}

func TestProjectedWarningSilencedByProjectionInfo(t *testing.T) {
	svc := newTestService(t)

	// UTM zone 30N magnitudes.
	raw := Transformer.RawFeature{
		Properties: map[string]interface{}{"producteur": "Kouamé Yao"},
		Geometry: orb.Polygon{{
			{225000, 720000}, {225000, 720100}, {225100, 720100}, {225100, 720000}, {225000, 720000},
		}},
	}

	flagged := svc.buildFeature(0, raw, true, map[string]string{})
	if !flagged.Validation.OK {
		t.Fatalf("feature must stay valid: %v", flagged.Validation.Errors)
	}
	if len(flagged.Validation.Warnings) == 0 {
		t.Fatal("expected a warning when the file carries no projection info")
	}

	silenced := svc.buildFeature(0, raw, false, map[string]string{})
	if len(silenced.Validation.Warnings) != 0 {
		t.Fatalf("a declared projection must silence the warning, got %v", silenced.Validation.Warnings)
	}
}

func TestApplyAssign(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	producteur := createProducteur(t, svc, "Kouamé Yao", "coop-1")

	doc := featureCollection(
		squareFeature("ignored", -5.5),
		squareFeature("ignored", -5.6),
	)
	importFile, _ := uploadAndParse(t, svc, testSession, "parcels.geojson", doc)

	result, err := svc.Apply(ctx, testSession, models.ApplyRequest{
		ImportFileID: importFile.ID,
		Mode:         models.ApplyModeAssign,
		ProducteurID: &producteur.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.AppliedCount != 2 || result.SkippedCount != 0 {
		t.Fatalf("applied=%d skipped=%d, want 2/0", result.AppliedCount, result.SkippedCount)
	}
	if len(result.CreatedIDs) != 2 {
		t.Fatalf("expected 2 created ids, got %d", len(result.CreatedIDs))
	}

	var parcelles []models.Parcelle
	if err := svc.DB.Where("producteur_id = ?", producteur.ID).Order("code").Find(&parcelles).Error; err != nil {
		t.Fatal(err)
	}
	if len(parcelles) != 2 {
		t.Fatalf("expected 2 parcels, got %d", len(parcelles))
	}
	if *parcelles[0].Code != "P001" || *parcelles[1].Code != "P002" {
		t.Fatalf("codes = %s, %s; want P001, P002", *parcelles[0].Code, *parcelles[1].Code)
	}
	for _, parcelle := range parcelles {
		if parcelle.Source != models.SourceGeoJSON {
			t.Fatalf("source = %s, want geojson", parcelle.Source)
		}
		if !parcelle.Actif {
			t.Fatal("new parcels must be active")
		}
		if parcelle.ImportFileID == nil || *parcelle.ImportFileID != importFile.ID {
			t.Fatal("parcels must be tagged with their import")
		}
	}

	stored, _ := svc.Get(testSession, importFile.ID)
	if stored.Status != models.StatusApplied {
		t.Fatalf("status = %s, want applied", stored.Status)
	}
	if stored.AppliedBy == nil || *stored.AppliedBy != testSession.UserID {
		t.Fatal("applied_by must record the caller")
	}
	if stored.AppliedAt == nil {
		t.Fatal("applied_at must be set")
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	doc := featureCollection(squareFeature("Kouamé Yao", -5.5))
	importFile, _ := uploadAndParse(t, svc, testSession, "parcels.geojson", doc)

	first, err := svc.Apply(ctx, testSession, models.ApplyRequest{
		ImportFileID: importFile.ID,
		Mode:         models.ApplyModeOrphan,
	})
	if err != nil {
		t.Fatal(err)
	}

	second, err := svc.Apply(ctx, testSession, models.ApplyRequest{
		ImportFileID: importFile.ID,
		Mode:         models.ApplyModeOrphan,
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.AppliedCount != first.AppliedCount {
		t.Fatalf("re-apply changed counts: %d vs %d", second.AppliedCount, first.AppliedCount)
	}
	if len(second.CreatedIDs) != len(first.CreatedIDs) {
		t.Fatal("re-apply must return the recorded ids, not create more")
	}

	var count int64
	svc.DB.Model(&models.Parcelle{}).Count(&count)
	if count != 1 {
		t.Fatalf("expected exactly 1 parcel after two applies, got %d", count)
	}
}

func TestApplyOrphan(t *testing.T) {
	svc := newTestService(t)
	doc := featureCollection(squareFeature("Kouamé Yao", -5.5))
	importFile, _ := uploadAndParse(t, svc, testSession, "parcels.geojson", doc)

	result, err := svc.Apply(context.Background(), testSession, models.ApplyRequest{
		ImportFileID: importFile.ID,
		Mode:         models.ApplyModeOrphan,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.AppliedCount != 1 {
		t.Fatalf("applied = %d, want 1", result.AppliedCount)
	}

	var parcelle models.Parcelle
	if err := svc.DB.First(&parcelle).Error; err != nil {
		t.Fatal(err)
	}
	if parcelle.ProducteurID != nil {
		t.Fatal("orphan parcels must have no producteur")
	}
	if parcelle.Code != nil {
		t.Fatal("orphan parcels get no code")
	}
}

func TestApplyAssignValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	doc := featureCollection(squareFeature("Kouamé Yao", -5.5))
	importFile, _ := uploadAndParse(t, svc, testSession, "parcels.geojson", doc)

	_, err := svc.Apply(ctx, testSession, models.ApplyRequest{
		ImportFileID: importFile.ID,
		Mode:         models.ApplyModeAssign,
	})
	assertCode(t, err, models.ErrCodeValidation)

	missing := uuid.New().String()
	_, err = svc.Apply(ctx, testSession, models.ApplyRequest{
		ImportFileID: importFile.ID,
		Mode:         models.ApplyModeAssign,
		ProducteurID: &missing,
	})
	assertCode(t, err, models.ErrCodeNotFound)

	foreign := createProducteur(t, svc, "Autre", "coop-2")
	_, err = svc.Apply(ctx, testSession, models.ApplyRequest{
		ImportFileID: importFile.ID,
		Mode:         models.ApplyModeAssign,
		ProducteurID: &foreign.ID,
	})
	assertCode(t, err, models.ErrCodeValidation)

	// Validation failures must not consume the import.
	stored, _ := svc.Get(testSession, importFile.ID)
	if stored.Status != models.StatusParsed {
		t.Fatalf("status = %s, want parsed", stored.Status)
	}
}

func TestApplyRejectsUnknownMode(t *testing.T) {
	svc := newTestService(t)
	doc := featureCollection(squareFeature("Kouamé Yao", -5.5))
	importFile, _ := uploadAndParse(t, svc, testSession, "parcels.geojson", doc)

	_, err := svc.Apply(context.Background(), testSession, models.ApplyRequest{
		ImportFileID: importFile.ID,
		Mode:         "merge",
	})
	assertCode(t, err, models.ErrCodeValidation)
}

func TestApplyAutoCreate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	doc := featureCollection(
		squareFeature("Kouamé Yao", -5.5),
		squareFeature("KOUAME  YAO", -5.6),
		squareFeature("Adjoua", -5.7),
		squareFeature("", -5.8),
	)
	importFile, _ := uploadAndParse(t, svc, testSession, "parcels.geojson", doc)

	result, err := svc.Apply(ctx, testSession, models.ApplyRequest{
		ImportFileID: importFile.ID,
		Mode:         models.ApplyModeAutoCreate,
		NameField:    "producteur",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.AppliedCount != 4 {
		t.Fatalf("applied = %d, want 4", result.AppliedCount)
	}
	if result.OwnerCreated != 2 {
		t.Fatalf("owners created = %d, want 2 (diacritic variants must merge)", result.OwnerCreated)
	}
	if result.OwnerReused != 0 {
		t.Fatalf("owners reused = %d, want 0", result.OwnerReused)
	}

	var producteurs []models.Producteur
	if err := svc.DB.Order("nom_normalise").Find(&producteurs).Error; err != nil {
		t.Fatal(err)
	}
	if len(producteurs) != 2 {
		t.Fatalf("expected 2 producteurs, got %d", len(producteurs))
	}
	if producteurs[0].NomNormalise != "adjoua" || producteurs[1].NomNormalise != "kouame yao" {
		t.Fatalf("normalized names = %s, %s", producteurs[0].NomNormalise, producteurs[1].NomNormalise)
	}
	for _, producteur := range producteurs {
		if !producteur.AutoCreated {
			t.Fatal("auto-created owners must be flagged")
		}
		if producteur.CooperativeID != testSession.CooperativeID {
			t.Fatal("owners must inherit the import's cooperative")
		}
	}

	var kouameParcelles int64
	svc.DB.Model(&models.Parcelle{}).Where("producteur_id = ?", producteurs[1].ID).Count(&kouameParcelles)
	if kouameParcelles != 2 {
		t.Fatalf("both diacritic variants should attach to one owner, got %d parcels", kouameParcelles)
	}

	var orphans int64
	svc.DB.Model(&models.Parcelle{}).Where("producteur_id IS NULL").Count(&orphans)
	if orphans != 1 {
		t.Fatalf("the nameless feature should be orphaned, got %d orphans", orphans)
	}
}

func TestApplyAutoCreateReusesExistingOwner(t *testing.T) {
	svc := newTestService(t)
	existing := createProducteur(t, svc, "Kouamé Yao", "coop-1")

	doc := featureCollection(squareFeature("kouame yao", -5.5))
	importFile, _ := uploadAndParse(t, svc, testSession, "parcels.geojson", doc)

	result, err := svc.Apply(context.Background(), testSession, models.ApplyRequest{
		ImportFileID: importFile.ID,
		Mode:         models.ApplyModeAutoCreate,
		NameField:    "producteur",
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.OwnerCreated != 0 || result.OwnerReused != 1 {
		t.Fatalf("created=%d reused=%d, want 0/1", result.OwnerCreated, result.OwnerReused)
	}

	var count int64
	svc.DB.Model(&models.Producteur{}).Count(&count)
	if count != 1 {
		t.Fatalf("no new owner should be created, got %d rows", count)
	}

	var parcelle models.Parcelle
	svc.DB.First(&parcelle)
	if parcelle.ProducteurID == nil || *parcelle.ProducteurID != existing.ID {
		t.Fatal("the parcel must attach to the existing owner")
	}
}

func TestApplyAutoCreateRequiresKnownNameField(t *testing.T) {
	svc := newTestService(t)
	doc := featureCollection(squareFeature("Kouamé Yao", -5.5))
	importFile, _ := uploadAndParse(t, svc, testSession, "parcels.geojson", doc)

	_, err := svc.Apply(context.Background(), testSession, models.ApplyRequest{
		ImportFileID: importFile.ID,
		Mode:         models.ApplyModeAutoCreate,
		NameField:    "proprietaire",
	})
	assertCode(t, err, models.ErrCodeValidation)
}

func TestPreviewAutoCreate(t *testing.T) {
	svc := newTestService(t)
	createProducteur(t, svc, "Adjoua", "coop-1")

	doc := featureCollection(
		squareFeature("Kouamé Yao", -5.5),
		squareFeature("KOUAME YAO", -5.6),
		squareFeature("Adjoua", -5.7),
		squareFeature("", -5.8),
	)
	importFile, _ := uploadAndParse(t, svc, testSession, "parcels.geojson", doc)

	result, err := svc.PreviewAutoCreate(context.Background(), testSession, models.PreviewRequest{
		ImportFileID: importFile.ID,
		NameField:    "producteur",
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(result.WillCreate) != 1 || result.WillCreate[0].NormalizedName != "kouame yao" {
		t.Fatalf("will_create = %+v", result.WillCreate)
	}
	if result.WillCreate[0].FeatureCount != 2 {
		t.Fatalf("both variants should count into one bucket, got %d", result.WillCreate[0].FeatureCount)
	}
	if len(result.WillReuse) != 1 || result.WillReuse[0].NormalizedName != "adjoua" {
		t.Fatalf("will_reuse = %+v", result.WillReuse)
	}
	if result.WillReuse[0].ProducteurID == "" {
		t.Fatal("reuse bucket must carry the existing owner id")
	}
	if result.OrphanCount != 1 {
		t.Fatalf("orphan count = %d, want 1", result.OrphanCount)
	}

	// Preview is read-only.
	var owners int64
	svc.DB.Model(&models.Producteur{}).Count(&owners)
	if owners != 1 {
		t.Fatalf("preview must not create owners, got %d rows", owners)
	}
	var parcels int64
	svc.DB.Model(&models.Parcelle{}).Count(&parcels)
	if parcels != 0 {
		t.Fatalf("preview must not create parcels, got %d rows", parcels)
	}
}

func TestParseFlagsAndApplySkipsDuplicateGeometry(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first := featureCollection(squareFeature("Kouamé Yao", -5.5))
	importA, _ := uploadAndParse(t, svc, testSession, "first.geojson", first)
	if _, err := svc.Apply(ctx, testSession, models.ApplyRequest{
		ImportFileID: importA.ID,
		Mode:         models.ApplyModeOrphan,
	}); err != nil {
		t.Fatal(err)
	}

	second := featureCollection(
		squareFeature("Kouamé Yao", -5.5),
		squareFeature("Adjoua", -5.7),
	)
	importB, parseB := uploadAndParse(t, svc, testSession, "second.geojson", second)

	duplicates := 0
	for _, feature := range parseB.Features {
		if feature.IsDuplicate {
			duplicates++
			if feature.DuplicateOfID == "" {
				t.Fatal("duplicate flag must carry the existing parcel id")
			}
		}
	}
	if duplicates != 1 {
		t.Fatalf("expected 1 duplicate feature, got %d", duplicates)
	}

	result, err := svc.Apply(ctx, testSession, models.ApplyRequest{
		ImportFileID: importB.ID,
		Mode:         models.ApplyModeOrphan,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.AppliedCount != 1 || result.SkippedCount != 1 {
		t.Fatalf("applied=%d skipped=%d, want 1/1", result.AppliedCount, result.SkippedCount)
	}

	var count int64
	svc.DB.Model(&models.Parcelle{}).Count(&count)
	if count != 2 {
		t.Fatalf("expected 2 parcels total, got %d", count)
	}
}

func TestApplySkipsHashConflictAtInsert(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Two features with identical geometry: neither matches an existing
	// parcel at parse time, so the second one only collides with the first
	// at the unique constraint when it is inserted.
	doc := featureCollection(
		squareFeature("Kouamé Yao", -5.5),
		squareFeature("Adjoua", -5.5),
	)
	importFile, parsed := uploadAndParse(t, svc, testSession, "parcels.geojson", doc)

	for _, feature := range parsed.Features {
		if feature.IsDuplicate {
			t.Fatal("no parcel exists yet, nothing should be pre-flagged as duplicate")
		}
	}

	result, err := svc.Apply(ctx, testSession, models.ApplyRequest{
		ImportFileID: importFile.ID,
		Mode:         models.ApplyModeOrphan,
	})
	if err != nil {
		t.Fatalf("a constraint conflict must be a per-feature skip, not a batch failure: %v", err)
	}
	if result.AppliedCount != 1 || result.SkippedCount != 1 {
		t.Fatalf("applied=%d skipped=%d, want 1/1", result.AppliedCount, result.SkippedCount)
	}

	var count int64
	svc.DB.Model(&models.Parcelle{}).Where("import_file_id = ?", importFile.ID).Count(&count)
	if count != 1 {
		t.Fatalf("expected 1 inserted parcel, got %d", count)
	}

	stored, _ := svc.Get(testSession, importFile.ID)
	if stored.Status != models.StatusApplied {
		t.Fatalf("status = %s, want applied", stored.Status)
	}
}

func TestInactiveParcelDoesNotBlockReimport(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	doc := featureCollection(squareFeature("Kouamé Yao", -5.5))
	first, _ := uploadAndParse(t, svc, testSession, "first.geojson", doc)
	if _, err := svc.Apply(ctx, testSession, models.ApplyRequest{
		ImportFileID: first.ID,
		Mode:         models.ApplyModeOrphan,
	}); err != nil {
		t.Fatal(err)
	}

	// Deactivate the parcel; its hash must stop blocking new imports.
	if err := svc.DB.Model(&models.Parcelle{}).
		Where("import_file_id = ?", first.ID).
		Update("actif", false).Error; err != nil {
		t.Fatal(err)
	}

	second := featureCollection(
		squareFeature("Kouamé Yao", -5.5),
		squareFeature("Adjoua", -5.7),
	)
	importB, parseB := uploadAndParse(t, svc, testSession, "second.geojson", second)
	for _, feature := range parseB.Features {
		if feature.IsDuplicate {
			t.Fatal("inactive parcels must not mark features as duplicates")
		}
	}

	result, err := svc.Apply(ctx, testSession, models.ApplyRequest{
		ImportFileID: importB.ID,
		Mode:         models.ApplyModeOrphan,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.AppliedCount != 2 || result.SkippedCount != 0 {
		t.Fatalf("applied=%d skipped=%d, want 2/0", result.AppliedCount, result.SkippedCount)
	}
}

func TestCodeSequenceContinuesFromExistingParcels(t *testing.T) {
	svc := newTestService(t)
	producteur := createProducteur(t, svc, "Kouamé Yao", "coop-1")

	code := "P001"
	seed := models.Parcelle{
		ID:           uuid.New().String(),
		ProducteurID: &producteur.ID,
		Code:         &code,
		GeomHash:     strings.Repeat("a", 64),
		Source:       models.SourceManuel,
		Actif:        true,
	}
	if err := svc.DB.Create(&seed).Error; err != nil {
		t.Fatal(err)
	}

	doc := featureCollection(squareFeature("ignored", -5.5))
	importFile, _ := uploadAndParse(t, svc, testSession, "parcels.geojson", doc)

	if _, err := svc.Apply(context.Background(), testSession, models.ApplyRequest{
		ImportFileID: importFile.ID,
		Mode:         models.ApplyModeAssign,
		ProducteurID: &producteur.ID,
	}); err != nil {
		t.Fatal(err)
	}

	var parcelle models.Parcelle
	if err := svc.DB.Where("import_file_id = ?", importFile.ID).First(&parcelle).Error; err != nil {
		t.Fatal(err)
	}
	if parcelle.Code == nil || *parcelle.Code != "P002" {
		t.Fatalf("code should continue the sequence at P002, got %v", parcelle.Code)
	}
}

func TestGetRejectsOtherCooperative(t *testing.T) {
	svc := newTestService(t)
	doc := featureCollection(squareFeature("Kouamé Yao", -5.5))
	importFile, err := svc.Upload(context.Background(), testSession, "parcels.geojson", doc)
	if err != nil {
		t.Fatal(err)
	}

	other := models.Session{UserID: "agent-2", CooperativeID: "coop-2"}
	_, err = svc.Get(other, importFile.ID)
	assertCode(t, err, models.ErrCodeUnauthorized)
}

func TestListScopedToCooperative(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	docA := featureCollection(squareFeature("Kouamé Yao", -5.5))
	docB := featureCollection(squareFeature("Adjoua", -5.6))
	if _, err := svc.Upload(ctx, testSession, "a.geojson", docA); err != nil {
		t.Fatal(err)
	}
	other := models.Session{UserID: "agent-2", CooperativeID: "coop-2"}
	if _, err := svc.Upload(ctx, other, "b.geojson", docB); err != nil {
		t.Fatal(err)
	}

	files, err := svc.List(testSession)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("expected 1 file for coop-1, got %d", len(files))
	}
	if files[0].Filename != "a.geojson" {
		t.Fatalf("unexpected file: %s", files[0].Filename)
	}
}

func TestDownloadFallbackStreamsArchive(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	doc := featureCollection(squareFeature("Kouamé Yao", -5.5))
	importFile, err := svc.Upload(ctx, testSession, "parcels.geojson", doc)
	if err != nil {
		t.Fatal(err)
	}

	_, err = svc.DownloadURL(ctx, testSession, importFile.ID, 0)
	if !errors.Is(err, ErrPresignUnsupported) {
		t.Fatalf("fs driver should not presign, got %v", err)
	}

	stored, rc, err := svc.OpenArchive(ctx, testSession, importFile.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	if stored.Filename != "parcels.geojson" {
		t.Fatalf("unexpected filename %s", stored.Filename)
	}
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, doc) {
		t.Fatal("streamed bytes must match the uploaded file")
	}
}

func TestParseRejectsAppliedImport(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	doc := featureCollection(squareFeature("Kouamé Yao", -5.5))
	importFile, _ := uploadAndParse(t, svc, testSession, "parcels.geojson", doc)

	if _, err := svc.Apply(ctx, testSession, models.ApplyRequest{
		ImportFileID: importFile.ID,
		Mode:         models.ApplyModeOrphan,
	}); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Parse(ctx, testSession, importFile.ID)
	assertCode(t, err, models.ErrCodeAlreadyApplied)
}

func TestApplyRecoversFromPartialApply(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	doc := featureCollection(squareFeature("Kouamé Yao", -5.5))
	importFile, parsed := uploadAndParse(t, svc, testSession, "parcels.geojson", doc)

	// Simulate a crash after the parcel insert but before the status update.
	orphan := models.Parcelle{
		ID:           uuid.New().String(),
		GeomHash:     parsed.Features[0].GeomHash,
		Source:       models.SourceGeoJSON,
		ImportFileID: &importFile.ID,
		Actif:        true,
	}
	if err := svc.DB.Create(&orphan).Error; err != nil {
		t.Fatal(err)
	}

	result, err := svc.Apply(ctx, testSession, models.ApplyRequest{
		ImportFileID: importFile.ID,
		Mode:         models.ApplyModeOrphan,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.AppliedCount != 1 {
		t.Fatalf("recovered applied = %d, want 1", result.AppliedCount)
	}

	var count int64
	svc.DB.Model(&models.Parcelle{}).Count(&count)
	if count != 1 {
		t.Fatalf("recovery must not duplicate parcels, got %d", count)
	}
	stored, _ := svc.Get(testSession, importFile.ID)
	if stored.Status != models.StatusApplied {
		t.Fatalf("status = %s, want applied", stored.Status)
	}
}
