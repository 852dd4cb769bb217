package views

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/cocoatrack/GeoParcel/models"
	"github.com/cocoatrack/GeoParcel/services"
)

const geojsonDoc = `{
  "type": "FeatureCollection",
  "features": [{
    "type": "Feature",
    "properties": {"producteur": "Kouamé Yao"},
    "geometry": {"type": "Polygon", "coordinates": [[[-5.5, 6.5], [-5.5, 6.51], [-5.49, 6.51], [-5.49, 6.5], [-5.5, 6.5]]]}
  }]
}`

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "geoparcel.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := models.MigrateAllTables(db); err != nil {
		t.Fatal(err)
	}

	importService := services.NewImportService(db, services.NewFSBlobService(t.TempDir()))
	controller := NewImportController(importService)

	r := gin.New()
	group := r.Group("/import")
	group.POST("/Upload", controller.Upload)
	group.POST("/Parse", controller.Parse)
	group.POST("/Apply", controller.Apply)
	group.GET("/List", controller.List)
	group.GET("/Get", controller.Get)
	group.GET("/DownloadURL", controller.DownloadURL)
	return r
}

func doUpload(t *testing.T, r *gin.Engine, filename string, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(data)
	w.Close()

	req := httptest.NewRequest(http.MethodPost, "/import/Upload", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("X-User-Id", "agent-1")
	req.Header.Set("X-Cooperative-Id", "coop-1")

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) models.Response {
	t.Helper()
	var resp models.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestUploadParseApplyOverHTTP(t *testing.T) {
	r := newTestRouter(t)

	rec := doUpload(t, r, "parcels.geojson", []byte(geojsonDoc))
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	uploaded := resp.Data.(map[string]interface{})
	importFileID := uploaded["id"].(string)
	if uploaded["status"] != models.StatusUploaded {
		t.Fatalf("status = %v, want uploaded", uploaded["status"])
	}

	parseBody := `{"import_file_id": "` + importFileID + `"}`
	req := httptest.NewRequest(http.MethodPost, "/import/Parse", strings.NewReader(parseBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "agent-1")
	req.Header.Set("X-Cooperative-Id", "coop-1")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("parse status = %d, body %s", rec.Code, rec.Body.String())
	}

	applyBody := `{"import_file_id": "` + importFileID + `", "mode": "orphan"}`
	req = httptest.NewRequest(http.MethodPost, "/import/Apply", strings.NewReader(applyBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "agent-1")
	req.Header.Set("X-Cooperative-Id", "coop-1")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("apply status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp = decodeResponse(t, rec)
	applied := resp.Data.(map[string]interface{})
	if applied["applied_count"].(float64) != 1 {
		t.Fatalf("applied_count = %v, want 1", applied["applied_count"])
	}
}

func TestUploadDuplicateReturnsConflict(t *testing.T) {
	r := newTestRouter(t)

	if rec := doUpload(t, r, "parcels.geojson", []byte(geojsonDoc)); rec.Code != http.StatusOK {
		t.Fatalf("first upload failed: %s", rec.Body.String())
	}
	rec := doUpload(t, r, "parcels.geojson", []byte(geojsonDoc))
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate upload status = %d, want 409", rec.Code)
	}
}

func TestGetUnknownImportReturns404(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/import/Get?id=missing", nil)
	req.Header.Set("X-User-Id", "agent-1")
	req.Header.Set("X-Cooperative-Id", "coop-1")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDownloadURLStreamsWithFSDriver(t *testing.T) {
	r := newTestRouter(t)

	rec := doUpload(t, r, "parcels.geojson", []byte(geojsonDoc))
	resp := decodeResponse(t, rec)
	importFileID := resp.Data.(map[string]interface{})["id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/import/DownloadURL?id="+importFileID, nil)
	req.Header.Set("X-User-Id", "agent-1")
	req.Header.Set("X-Cooperative-Id", "coop-1")
	rec2 := httptest.NewRecorder()
	r.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec2.Code, rec2.Body.String())
	}
	if rec2.Body.String() != geojsonDoc {
		t.Fatal("fallback download must stream the original bytes")
	}
}
