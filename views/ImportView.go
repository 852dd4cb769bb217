package views

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cocoatrack/GeoParcel/models"
	"github.com/cocoatrack/GeoParcel/services"
)

type ImportController struct {
	importService *services.ImportService
}

func NewImportController(importService *services.ImportService) *ImportController {
	return &ImportController{importService: importService}
}

// session reads the caller identity from the auth middleware headers.
func session(c *gin.Context) models.Session {
	return models.Session{
		UserID:        c.GetHeader("X-User-Id"),
		CooperativeID: c.GetHeader("X-Cooperative-Id"),
	}
}

// httpStatus maps an ImportError code to the response status.
func httpStatus(err *models.ImportError) int {
	switch err.Code {
	case models.ErrCodeNotFound:
		return http.StatusNotFound
	case models.ErrCodeUnauthorized:
		return http.StatusForbidden
	case models.ErrCodeDuplicateFile, models.ErrCodeAlreadyApplied:
		return http.StatusConflict
	case models.ErrCodeLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case models.ErrCodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func fail(c *gin.Context, err error) {
	importError := models.AsImportError(err)
	status := httpStatus(importError)
	c.JSON(status, models.Response{
		Code:    status,
		Message: importError.Message,
		Data:    gin.H{"error_code": importError.Code, "details": importError.Details},
	})
}

func ok(c *gin.Context, message string, data interface{}) {
	c.JSON(http.StatusOK, models.Response{
		Code:    200,
		Message: message,
		Data:    data,
	})
}

// Upload receives a raw parcel file
// POST /import/Upload (multipart, field "file")
func (ic *ImportController) Upload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, models.Response{
			Code:    400,
			Message: "missing multipart field \"file\": " + err.Error(),
		})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		fail(c, err)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		fail(c, err)
		return
	}

	importFile, err := ic.importService.Upload(c.Request.Context(), session(c), fileHeader.Filename, data)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "file uploaded", importFile)
}

// Parse runs the parsers and returns the diagnostic report
// POST /import/Parse
func (ic *ImportController) Parse(c *gin.Context) {
	var req models.ParseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{
			Code:    400,
			Message: "invalid request body: " + err.Error(),
		})
		return
	}

	result, err := ic.importService.Parse(c.Request.Context(), session(c), req.ImportFileID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "file parsed", result)
}

// PreviewAutoCreate dry-runs owner auto-creation
// POST /import/PreviewAutoCreate
func (ic *ImportController) PreviewAutoCreate(c *gin.Context) {
	var req models.PreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{
			Code:    400,
			Message: "invalid request body: " + err.Error(),
		})
		return
	}

	result, err := ic.importService.PreviewAutoCreate(c.Request.Context(), session(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "preview computed", result)
}

// Apply commits parsed features as parcel records
// POST /import/Apply
func (ic *ImportController) Apply(c *gin.Context) {
	var req models.ApplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.Response{
			Code:    400,
			Message: "invalid request body: " + err.Error(),
		})
		return
	}

	result, err := ic.importService.Apply(c.Request.Context(), session(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "import applied", result)
}

// List returns the cooperative's import files
// GET /import/List
func (ic *ImportController) List(c *gin.Context) {
	files, err := ic.importService.List(session(c))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "import files", files)
}

// Get returns one import file
// GET /import/Get?id=
func (ic *ImportController) Get(c *gin.Context) {
	importFile, err := ic.importService.Get(session(c), c.Query("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, "import file", importFile)
}

// DownloadURL mints a temporary link for the stored archive.
// GET /import/DownloadURL?id=
// Falls back to streaming the archive directly when the storage driver
// cannot mint signed URLs.
func (ic *ImportController) DownloadURL(c *gin.Context) {
	id := c.Query("id")
	url, err := ic.importService.DownloadURL(c.Request.Context(), session(c), id, 15*time.Minute)
	if err == nil {
		ok(c, "download url", gin.H{"url": url, "expires_in_seconds": int((15 * time.Minute).Seconds())})
		return
	}
	if !errors.Is(err, services.ErrPresignUnsupported) {
		fail(c, err)
		return
	}

	importFile, rc, err := ic.importService.OpenArchive(c.Request.Context(), session(c), id)
	if err != nil {
		fail(c, err)
		return
	}
	defer rc.Close()

	c.Header("Content-Disposition", "attachment; filename=\""+importFile.Filename+"\"")
	c.Header("Content-Type", "application/octet-stream")
	c.Status(http.StatusOK)
	io.Copy(c.Writer, rc)
}
