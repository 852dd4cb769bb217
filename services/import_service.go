package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/cocoatrack/GeoParcel/Transformer"
	"github.com/cocoatrack/GeoParcel/config"
	"github.com/cocoatrack/GeoParcel/methods"
	"github.com/cocoatrack/GeoParcel/models"
)

// Owner-name lookups are batched to keep IN clauses small.
const lookupBatchSize = 20

// Attribute keys probed for a feature label, checked case-insensitively in
// this order.
var labelFields = []string{"name", "nom", "label", "libelle", "description"}

// Attribute keys whose presence feeds the conformity heuristic. The exact
// list is a policy choice, not a contract.
var certificationFields = []string{"certification", "cert", "rainforest", "fairtrade", "utz", "bio", "organic"}

type ImportService struct {
	DB   *gorm.DB
	Geo  *methods.GeometryService
	Blob BlobService
}

func NewImportService(db *gorm.DB, blob BlobService) *ImportService {
	return &ImportService{
		DB:   db,
		Geo:  methods.NewGeometryService(),
		Blob: blob,
	}
}

// Upload validates and stores a raw archive and records an ImportFile in
// "uploaded" status. Size, extension and (cooperative, content-hash)
// uniqueness are all checked before any byte is stored.
func (s *ImportService) Upload(ctx context.Context, session models.Session, filename string, data []byte) (*models.ImportFile, error) {
	if len(data) == 0 {
		return nil, models.ValidationError("file", "uploaded file is empty")
	}
	if int64(len(data)) > config.MaxUploadBytes {
		return nil, models.LimitError("file_size", config.MaxUploadBytes, int64(len(data)))
	}

	kind, err := fileKindFromName(filename)
	if err != nil {
		return nil, err
	}

	contentHash := methods.Sha256Hex(data)

	var existing models.ImportFile
	query := s.DB.Where("content_hash = ?", contentHash)
	if session.CooperativeID != "" {
		query = query.Where("cooperative_id = ?", session.CooperativeID)
	} else {
		query = query.Where("cooperative_id IS NULL")
	}
	if err := query.First(&existing).Error; err == nil {
		return nil, models.NewImportError(models.ErrCodeDuplicateFile,
			"this file was already uploaded",
			map[string]interface{}{"import_file_id": existing.ID, "status": existing.Status})
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.AsImportError(err)
	}

	storageKey := storageKeyFor(session.CooperativeID, contentHash, filename)
	if err := s.Blob.Put(ctx, storageKey, data); err != nil {
		return nil, models.AsImportError(err)
	}

	importFile := models.ImportFile{
		ID:          uuid.New().String(),
		Filename:    filename,
		StorageKey:  storageKey,
		FileKind:    kind,
		ContentHash: contentHash,
		Status:      models.StatusUploaded,
		CreatedBy:   session.UserID,
	}
	if session.CooperativeID != "" {
		coop := session.CooperativeID
		importFile.CooperativeID = &coop
	}

	if err := s.DB.Create(&importFile).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, models.NewImportError(models.ErrCodeDuplicateFile,
				"this file was already uploaded", nil)
		}
		return nil, models.AsImportError(err)
	}

	return &importFile, nil
}

// Parse runs the format parser and the per-feature geometry pipeline, then
// persists the diagnostic report. Safe to re-invoke: a second parse replaces
// the prior report. Terminal conditions (missing archive members, feature
// ceiling, zero valid features) move the file to "failed".
func (s *ImportService) Parse(ctx context.Context, session models.Session, importFileID string) (*models.ParseResult, error) {
	importFile, err := s.loadImportFile(session, importFileID)
	if err != nil {
		return nil, err
	}
	if importFile.Status == models.StatusApplied {
		return nil, models.NewImportError(models.ErrCodeAlreadyApplied,
			"import was already applied; parsing again would invalidate its records", nil)
	}

	features, report, terminal := s.parseFeatures(ctx, importFile)
	if terminal != nil {
		report.Errors = append(report.Errors, *terminal)
		s.persistReport(importFile, report, models.StatusFailed, 0)
		return nil, terminal
	}

	validCount := 0
	for _, feature := range features {
		if feature.Validation.OK {
			validCount++
		}
	}
	if validCount == 0 {
		failure := models.NewImportError(models.ErrCodeValidation,
			"no valid feature found in file", nil)
		report.Errors = append(report.Errors, *failure)
		s.persistReport(importFile, report, models.StatusFailed, len(features))
		return nil, failure
	}

	s.persistReport(importFile, report, models.StatusParsed, len(features))

	return &models.ParseResult{
		ImportFile: importFile,
		Features:   features,
		Report:     report,
	}, nil
}

// PreviewAutoCreate is the read-only dry run of auto_create mode: it groups
// valid non-duplicate features by normalized owner name and reports which
// names would create a new owner, which would reuse one, and how many
// features would end up orphaned.
func (s *ImportService) PreviewAutoCreate(ctx context.Context, session models.Session, req models.PreviewRequest) (*models.PreviewResult, error) {
	importFile, err := s.loadImportFile(session, req.ImportFileID)
	if err != nil {
		return nil, err
	}
	if importFile.Status != models.StatusParsed {
		return nil, models.ValidationError("status", "import must be parsed before previewing")
	}
	if req.NameField == "" {
		return nil, models.ValidationError("name_field", "name_field is required")
	}

	features, _, terminal := s.parseFeatures(ctx, importFile)
	if terminal != nil {
		return nil, terminal
	}
	if err := validateNameField(features, req.NameField); err != nil {
		return nil, err
	}

	groups, orphanCount := groupByOwnerName(features, req.NameField)

	existing, err := s.lookupProducteurs(importFile, normalizedKeys(groups))
	if err != nil {
		return nil, err
	}

	result := &models.PreviewResult{OrphanCount: orphanCount}
	for normalized, group := range groups {
		bucket := models.PreviewBucket{
			Name:           group.displayName,
			NormalizedName: normalized,
			FeatureCount:   len(group.features),
		}
		if producteur, ok := existing[normalized]; ok {
			bucket.ProducteurID = producteur.ID
			bucket.ProducteurNom = producteur.Nom
			result.WillReuse = append(result.WillReuse, bucket)
		} else {
			result.WillCreate = append(result.WillCreate, bucket)
		}
	}
	sort.Slice(result.WillCreate, func(i, j int) bool {
		return result.WillCreate[i].NormalizedName < result.WillCreate[j].NormalizedName
	})
	sort.Slice(result.WillReuse, func(i, j int) bool {
		return result.WillReuse[i].NormalizedName < result.WillReuse[j].NormalizedName
	})

	return result, nil
}

// Apply commits the parsed features as parcel records under one of the three
// assignment modes. Applying an already-applied import returns the recorded
// result; a crashed apply (records written, status not updated) is detected
// through the records tagged with this import and the status is back-filled.
// Each feature is inserted individually: a uniqueness violation or any other
// per-feature failure counts as a skip and never aborts its siblings.
func (s *ImportService) Apply(ctx context.Context, session models.Session, req models.ApplyRequest) (*models.ApplyResult, error) {
	importFile, err := s.loadImportFile(session, req.ImportFileID)
	if err != nil {
		return nil, err
	}

	if importFile.Status == models.StatusApplied {
		return s.recordedResult(importFile)
	}
	if importFile.Status != models.StatusParsed {
		return nil, models.ValidationError("status",
			fmt.Sprintf("import cannot be applied from status %q", importFile.Status))
	}

	// Recover from a partial apply: records exist but the status write never
	// completed.
	var existingCount int64
	if err := s.DB.Model(&models.Parcelle{}).Where("import_file_id = ?", importFile.ID).Count(&existingCount).Error; err != nil {
		return nil, models.AsImportError(err)
	}
	if existingCount > 0 {
		return s.recoverPartialApply(session, importFile, existingCount)
	}

	features, _, terminal := s.parseFeatures(ctx, importFile)
	if terminal != nil {
		return nil, terminal
	}

	applicable := make([]models.ParsedFeature, 0, len(features))
	skipped := 0
	for _, feature := range features {
		if !feature.Validation.OK || feature.IsDuplicate {
			skipped++
			continue
		}
		applicable = append(applicable, feature)
	}

	var resolve ownerResolver
	ownersCreated, ownersReused := 0, 0
	switch req.Mode {
	case models.ApplyModeAssign:
		resolve, err = s.assignResolver(importFile, req)
	case models.ApplyModeOrphan:
		resolve = func(feature models.ParsedFeature) (*string, error) { return nil, nil }
	case models.ApplyModeAutoCreate:
		resolve, ownersCreated, ownersReused, err = s.autoCreateResolver(importFile, req, applicable)
	default:
		return nil, models.ValidationError("mode", "mode must be assign, orphan or auto_create")
	}
	if err != nil {
		return nil, err
	}

	source := sourceFromKind(importFile.FileKind)
	codeSeq := newCodeSequencer(s.DB)
	result := &models.ApplyResult{
		ImportFileID: importFile.ID,
		SkippedCount: skipped,
		OwnerCreated: ownersCreated,
		OwnerReused:  ownersReused,
	}

	for _, feature := range applicable {
		producteurID, err := resolve(feature)
		if err != nil {
			log.Printf("import %s: owner resolution failed for feature %s: %v", importFile.ID, feature.TempID, err)
			result.SkippedCount++
			continue
		}

		parcelle, err := s.buildParcelle(importFile, session, feature, producteurID, source, codeSeq)
		if err != nil {
			log.Printf("import %s: feature %s could not be prepared: %v", importFile.ID, feature.TempID, err)
			result.SkippedCount++
			continue
		}

		if err := s.DB.Create(parcelle).Error; err != nil {
			if isUniqueViolation(err) {
				result.SkippedCount++
				continue
			}
			log.Printf("import %s: insert failed for feature %s: %v", importFile.ID, feature.TempID, err)
			result.SkippedCount++
			continue
		}
		codeSeq.commit(producteurID)
		result.AppliedCount++
		result.CreatedIDs = append(result.CreatedIDs, parcelle.ID)
	}

	now := time.Now()
	applier := session.UserID
	updates := map[string]interface{}{
		"status":        models.StatusApplied,
		"applied_count": result.AppliedCount,
		"skipped_count": result.SkippedCount,
		"applied_by":    applier,
		"applied_at":    now,
	}
	if err := s.DB.Model(importFile).Updates(updates).Error; err != nil {
		// Records are in; the next Apply call will detect them and back-fill.
		log.Printf("import %s: status update failed after apply: %v", importFile.ID, err)
		return nil, models.AsImportError(err)
	}

	return result, nil
}

// List returns the cooperative's import files, newest first.
func (s *ImportService) List(session models.Session) ([]models.ImportFile, error) {
	var files []models.ImportFile
	query := s.DB.Order("created_at DESC")
	if session.CooperativeID != "" {
		query = query.Where("cooperative_id = ?", session.CooperativeID)
	}
	if err := query.Find(&files).Error; err != nil {
		return nil, models.AsImportError(err)
	}
	return files, nil
}

func (s *ImportService) Get(session models.Session, importFileID string) (*models.ImportFile, error) {
	return s.loadImportFile(session, importFileID)
}

// DownloadURL mints a time-limited URL for the stored archive.
func (s *ImportService) DownloadURL(ctx context.Context, session models.Session, importFileID string, expiry time.Duration) (string, error) {
	importFile, err := s.loadImportFile(session, importFileID)
	if err != nil {
		return "", err
	}
	return s.Blob.PresignURL(ctx, importFile.StorageKey, expiry)
}

// OpenArchive streams the stored archive, for drivers without presign.
func (s *ImportService) OpenArchive(ctx context.Context, session models.Session, importFileID string) (*models.ImportFile, io.ReadCloser, error) {
	importFile, err := s.loadImportFile(session, importFileID)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.Blob.Get(ctx, importFile.StorageKey)
	if err != nil {
		return nil, nil, models.AsImportError(err)
	}
	return importFile, rc, nil
}

// ---- internal pipeline ----

func (s *ImportService) loadImportFile(session models.Session, importFileID string) (*models.ImportFile, error) {
	if importFileID == "" {
		return nil, models.ValidationError("import_file_id", "import_file_id is required")
	}
	var importFile models.ImportFile
	if err := s.DB.Where("id = ?", importFileID).First(&importFile).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewImportError(models.ErrCodeNotFound, "import file not found",
				map[string]interface{}{"import_file_id": importFileID})
		}
		return nil, models.AsImportError(err)
	}
	if importFile.CooperativeID != nil && session.CooperativeID != *importFile.CooperativeID {
		return nil, models.NewImportError(models.ErrCodeUnauthorized,
			"import file belongs to another cooperative", nil)
	}
	return &importFile, nil
}

// parseFeatures downloads the archive, runs the matching parser and the
// geometry pipeline, and returns the hash-sorted feature list. A non-nil
// terminal error means the whole parse failed. The same routine backs Parse,
// PreviewAutoCreate and Apply so all three see identical features.
func (s *ImportService) parseFeatures(ctx context.Context, importFile *models.ImportFile) ([]models.ParsedFeature, models.ImportReport, *models.ImportError) {
	report := models.ImportReport{}

	localPath, cleanup, err := s.downloadToTemp(ctx, importFile)
	if err != nil {
		return nil, report, models.AsImportError(err)
	}
	defer cleanup()

	output, err := Transformer.ParseFile(importFile.FileKind, localPath)
	if err != nil {
		return nil, report, models.AsImportError(err)
	}

	report.Errors = append(report.Errors, output.Errors...)
	report.Warnings = append(report.Warnings, output.Warnings...)
	report.AvailableFields = output.AvailableFields
	report.HasProjectionInfo = output.HasProjectionInfo

	if len(output.Features) > config.MaxFeatureCount {
		return nil, report, models.LimitError("feature_count", int64(config.MaxFeatureCount), int64(len(output.Features)))
	}

	existingHashes, err := s.activeParcelHashes()
	if err != nil {
		return nil, report, models.AsImportError(err)
	}

	warnProjected := output.HasProjectionInfo == nil || !*output.HasProjectionInfo

	features := make([]models.ParsedFeature, 0, len(output.Features))
	for index, raw := range output.Features {
		feature := s.buildFeature(index, raw, warnProjected, existingHashes)
		for _, message := range feature.Validation.Errors {
			report.Errors = append(report.Errors, models.ImportError{
				Code:    models.ErrCodeInvalidGeometry,
				Message: message,
				Details: map[string]interface{}{"feature_index": index, "temp_id": feature.TempID},
			})
		}
		for _, message := range feature.Validation.Warnings {
			report.Warnings = append(report.Warnings, models.ImportError{
				Code:    warningCode(message),
				Message: message,
				Details: map[string]interface{}{"feature_index": index, "temp_id": feature.TempID},
			})
		}
		features = append(features, feature)
	}

	// Hash-sorted ordering makes repeated parses of the same file, and the
	// code assignment derived from them, reproducible.
	sort.Slice(features, func(i, j int) bool {
		return features[i].GeomHash < features[j].GeomHash
	})

	report.FeatureCount = len(features)
	return features, report, nil
}

// buildFeature runs one raw feature through normalization, validation,
// repair, hashing and measurement.
func (s *ImportService) buildFeature(index int, raw Transformer.RawFeature, warnProjected bool, existingHashes map[string]string) models.ParsedFeature {
	feature := models.ParsedFeature{
		TempID:            fmt.Sprintf("f-%04d", index),
		Attributes:        raw.Properties,
		Libelle:           labelFromAttributes(raw.Properties),
		GeomOriginalValid: true,
		Validation:        models.FeatureValidation{OK: true},
	}

	geometry, err := s.Geo.NormalizeToMultiPolygon(raw.Geometry)
	if err != nil {
		feature.Validation.OK = false
		feature.Validation.Errors = append(feature.Validation.Errors, models.AsImportError(err).Message)
		return feature
	}

	if s.Geo.IsEmptyGeometry(geometry) {
		feature.Validation.OK = false
		feature.Validation.Errors = append(feature.Validation.Errors, "geometry has no coordinates")
		return feature
	}

	// Out-of-envelope coordinates usually mean a projected CRS. That is
	// advisory only, and silenced when the file declares its projection.
	if ok, sample := s.Geo.ValidateCoordinates(geometry); !ok && warnProjected {
		feature.Validation.Warnings = append(feature.Validation.Warnings,
			fmt.Sprintf("coordinates look projected (sample: %.2f, %.2f); expected WGS84 lon/lat", sample[0], sample[1]))
	}

	if !s.Geo.IsValidGeometry(geometry) {
		repair := s.Geo.TryFixGeometry(geometry)
		if !repair.OK {
			feature.Validation.OK = false
			feature.Validation.Errors = append(feature.Validation.Errors,
				"geometry is invalid and could not be repaired: "+repair.Reason)
			return feature
		}
		geometry = repair.Geom
		feature.GeomOriginalValid = false
	}
	feature.Geom = geometry

	hash, err := s.Geo.ComputeFeatureHash(geometry)
	if err != nil {
		feature.Validation.OK = false
		feature.Validation.Errors = append(feature.Validation.Errors, models.AsImportError(err).Message)
		return feature
	}
	feature.GeomHash = hash

	if existingID, ok := existingHashes[hash]; ok {
		// Duplicates stay in the list so the caller can show them; they are
		// excluded from apply.
		feature.IsDuplicate = true
		feature.DuplicateOfID = existingID
		feature.Validation.Warnings = append(feature.Validation.Warnings,
			"geometry duplicates an existing parcel")
	}

	feature.SurfaceHa = s.Geo.CalculateAreaHa(geometry)
	centroid := s.Geo.CalculateCentroid(geometry)
	feature.CentroidLng = centroid[0]
	feature.CentroidLat = centroid[1]

	return feature
}

// activeParcelHashes loads the dedup index once per parse call. A record
// created by someone else between parse and apply is only caught by the
// unique constraint at insert time; that violation is a normal skip.
func (s *ImportService) activeParcelHashes() (map[string]string, error) {
	type row struct {
		ID       string
		GeomHash string
	}
	var rows []row
	if err := s.DB.Model(&models.Parcelle{}).Select("id", "geom_hash").Where("actif = ?", true).Find(&rows).Error; err != nil {
		return nil, err
	}
	hashes := make(map[string]string, len(rows))
	for _, r := range rows {
		hashes[r.GeomHash] = r.ID
	}
	return hashes, nil
}

func (s *ImportService) downloadToTemp(ctx context.Context, importFile *models.ImportFile) (string, func(), error) {
	rc, err := s.Blob.Get(ctx, importFile.StorageKey)
	if err != nil {
		return "", nil, err
	}
	defer rc.Close()

	dir, err := os.MkdirTemp("", "geoparcel")
	if err != nil {
		return "", nil, err
	}
	localPath := filepath.Join(dir, filepath.Base(importFile.Filename))
	out, err := os.Create(localPath)
	if err != nil {
		os.RemoveAll(dir)
		return "", nil, err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		os.RemoveAll(dir)
		return "", nil, err
	}
	out.Close()
	return localPath, func() { os.RemoveAll(dir) }, nil
}

func (s *ImportService) persistReport(importFile *models.ImportFile, report models.ImportReport, status string, featureCount int) {
	payload, err := json.Marshal(report)
	if err != nil {
		log.Printf("import %s: failed to serialize report: %v", importFile.ID, err)
		payload = []byte("{}")
	}
	importFile.Report = datatypes.JSON(payload)
	importFile.Status = status
	importFile.FeatureCount = featureCount
	if err := s.DB.Model(importFile).Updates(map[string]interface{}{
		"report":        importFile.Report,
		"status":        status,
		"feature_count": featureCount,
	}).Error; err != nil {
		log.Printf("import %s: failed to persist report: %v", importFile.ID, err)
	}
}

// recordedResult reconstructs the apply outcome of an already-applied import.
func (s *ImportService) recordedResult(importFile *models.ImportFile) (*models.ApplyResult, error) {
	ids, err := s.createdParcelIDs(importFile.ID)
	if err != nil {
		return nil, err
	}
	return &models.ApplyResult{
		ImportFileID: importFile.ID,
		AppliedCount: importFile.AppliedCount,
		SkippedCount: importFile.SkippedCount,
		CreatedIDs:   ids,
	}, nil
}

// recoverPartialApply back-fills the status of an import whose records were
// created but whose final status write never landed.
func (s *ImportService) recoverPartialApply(session models.Session, importFile *models.ImportFile, existingCount int64) (*models.ApplyResult, error) {
	skipped := importFile.FeatureCount - int(existingCount)
	if skipped < 0 {
		skipped = 0
	}
	now := time.Now()
	updates := map[string]interface{}{
		"status":        models.StatusApplied,
		"applied_count": int(existingCount),
		"skipped_count": skipped,
		"applied_by":    session.UserID,
		"applied_at":    now,
	}
	if err := s.DB.Model(importFile).Updates(updates).Error; err != nil {
		return nil, models.AsImportError(err)
	}
	ids, err := s.createdParcelIDs(importFile.ID)
	if err != nil {
		return nil, err
	}
	return &models.ApplyResult{
		ImportFileID: importFile.ID,
		AppliedCount: int(existingCount),
		SkippedCount: skipped,
		CreatedIDs:   ids,
	}, nil
}

func (s *ImportService) createdParcelIDs(importFileID string) ([]string, error) {
	var ids []string
	if err := s.DB.Model(&models.Parcelle{}).Where("import_file_id = ?", importFileID).Order("geom_hash").Pluck("id", &ids).Error; err != nil {
		return nil, models.AsImportError(err)
	}
	return ids, nil
}

// ---- owner resolution ----

type ownerResolver func(feature models.ParsedFeature) (*string, error)

// assignResolver attaches every feature to one caller-specified owner, after
// checking that the owner shares the import's cooperative scope.
func (s *ImportService) assignResolver(importFile *models.ImportFile, req models.ApplyRequest) (ownerResolver, error) {
	if req.ProducteurID == nil || *req.ProducteurID == "" {
		return nil, models.ValidationError("producteur_id", "producteur_id is required for assign mode")
	}
	var producteur models.Producteur
	if err := s.DB.Where("id = ?", *req.ProducteurID).First(&producteur).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewImportError(models.ErrCodeNotFound, "producteur not found",
				map[string]interface{}{"producteur_id": *req.ProducteurID})
		}
		return nil, models.AsImportError(err)
	}
	if importFile.CooperativeID != nil && producteur.CooperativeID != *importFile.CooperativeID {
		return nil, models.ValidationError("producteur_id",
			"producteur belongs to another cooperative")
	}
	id := producteur.ID
	return func(feature models.ParsedFeature) (*string, error) { return &id, nil }, nil
}

// autoCreateResolver resolves each feature's owner from the chosen name
// field: existing owners matched by normalized name are reused, missing ones
// are created (tagged auto-created), and nameless features become orphans.
// A uniqueness conflict on creation means another apply won the race; the
// winner's record is fetched and reused.
func (s *ImportService) autoCreateResolver(importFile *models.ImportFile, req models.ApplyRequest, features []models.ParsedFeature) (ownerResolver, int, int, error) {
	if req.NameField == "" {
		return nil, 0, 0, models.ValidationError("name_field", "name_field is required for auto_create mode")
	}
	if err := validateNameField(features, req.NameField); err != nil {
		return nil, 0, 0, err
	}
	if req.DefaultContactID != nil && *req.DefaultContactID != "" {
		var contact models.Producteur
		if err := s.DB.Where("id = ?", *req.DefaultContactID).First(&contact).Error; err != nil {
			return nil, 0, 0, models.ValidationError("default_contact_id", "default contact not found")
		}
		if importFile.CooperativeID != nil && contact.CooperativeID != *importFile.CooperativeID {
			return nil, 0, 0, models.ValidationError("default_contact_id",
				"default contact belongs to another cooperative")
		}
	}

	groups, _ := groupByOwnerName(features, req.NameField)

	existing, err := s.lookupProducteurs(importFile, normalizedKeys(groups))
	if err != nil {
		return nil, 0, 0, err
	}

	cooperativeID := ""
	if importFile.CooperativeID != nil {
		cooperativeID = *importFile.CooperativeID
	}

	created, reused := 0, 0
	owners := make(map[string]string, len(groups))
	for normalized, group := range groups {
		if producteur, ok := existing[normalized]; ok {
			owners[normalized] = producteur.ID
			reused++
			continue
		}
		producteur := models.Producteur{
			ID:            uuid.New().String(),
			Nom:           group.displayName,
			NomNormalise:  normalized,
			CooperativeID: cooperativeID,
			ContactID:     req.DefaultContactID,
			AutoCreated:   true,
			ImportFileID:  &importFile.ID,
			Actif:         true,
		}
		if err := s.DB.Create(&producteur).Error; err != nil {
			if !isUniqueViolation(err) {
				return nil, 0, 0, models.AsImportError(err)
			}
			// Lost the race; reuse the winner's record.
			var winner models.Producteur
			if err := s.DB.Where("cooperative_id = ? AND nom_normalise = ?", cooperativeID, normalized).First(&winner).Error; err != nil {
				return nil, 0, 0, models.AsImportError(err)
			}
			owners[normalized] = winner.ID
			reused++
			continue
		}
		owners[normalized] = producteur.ID
		created++
	}

	resolver := func(feature models.ParsedFeature) (*string, error) {
		name := nameFromField(feature.Attributes, req.NameField)
		if name == "" {
			return nil, nil
		}
		id, ok := owners[methods.NormalizeName(name)]
		if !ok {
			return nil, fmt.Errorf("no owner resolved for name %q", name)
		}
		return &id, nil
	}
	return resolver, created, reused, nil
}

// lookupProducteurs fetches existing owners for a set of normalized names in
// batches, scoped to the import's cooperative.
func (s *ImportService) lookupProducteurs(importFile *models.ImportFile, normalized []string) (map[string]models.Producteur, error) {
	found := make(map[string]models.Producteur, len(normalized))
	for start := 0; start < len(normalized); start += lookupBatchSize {
		end := start + lookupBatchSize
		if end > len(normalized) {
			end = len(normalized)
		}
		batch := normalized[start:end]

		var producteurs []models.Producteur
		query := s.DB.Where("nom_normalise IN ? AND actif = ?", batch, true)
		if importFile.CooperativeID != nil {
			query = query.Where("cooperative_id = ?", *importFile.CooperativeID)
		}
		if err := query.Find(&producteurs).Error; err != nil {
			return nil, models.AsImportError(err)
		}
		for _, producteur := range producteurs {
			found[producteur.NomNormalise] = producteur
		}
	}
	return found, nil
}

// ---- parcel construction ----

// codeSequencer hands out sequential per-owner parcel codes, continuing from
// the owner's current active parcel count. Codes advance only on a committed
// insert so a skip does not burn a code.
type codeSequencer struct {
	db       *gorm.DB
	counters map[string]int
	pending  map[string]int
}

func newCodeSequencer(db *gorm.DB) *codeSequencer {
	return &codeSequencer{db: db, counters: make(map[string]int), pending: make(map[string]int)}
}

func (c *codeSequencer) next(producteurID string) (string, error) {
	if _, ok := c.counters[producteurID]; !ok {
		var count int64
		if err := c.db.Model(&models.Parcelle{}).Where("producteur_id = ? AND actif = ?", producteurID, true).Count(&count).Error; err != nil {
			return "", err
		}
		c.counters[producteurID] = int(count)
	}
	c.pending[producteurID] = c.counters[producteurID] + 1
	return fmt.Sprintf("P%03d", c.pending[producteurID]), nil
}

func (c *codeSequencer) commit(producteurID *string) {
	if producteurID == nil {
		return
	}
	if next, ok := c.pending[*producteurID]; ok {
		c.counters[*producteurID] = next
	}
}

func (s *ImportService) buildParcelle(importFile *models.ImportFile, session models.Session, feature models.ParsedFeature, producteurID *string, source string, codeSeq *codeSequencer) (*models.Parcelle, error) {
	geomDoc, err := geojson.NewGeometry(feature.Geom).MarshalJSON()
	if err != nil {
		return nil, err
	}

	certifications := extractCertifications(feature.Attributes)
	certDoc, err := json.Marshal(certifications)
	if err != nil {
		certDoc = []byte("[]")
	}

	parcelle := &models.Parcelle{
		ID:             uuid.New().String(),
		ProducteurID:   producteurID,
		Libelle:        feature.Libelle,
		Village:        villageFromAttributes(feature.Attributes),
		Geom:           datatypes.JSON(geomDoc),
		CentroidLat:    feature.CentroidLat,
		CentroidLng:    feature.CentroidLng,
		SurfaceHa:      feature.SurfaceHa,
		Certifications: datatypes.JSON(certDoc),
		Conformite:     detectConformite(certifications),
		Source:         source,
		ImportFileID:   &importFile.ID,
		GeomHash:       feature.GeomHash,
		Actif:          true,
		CreatedBy:      session.UserID,
	}

	if producteurID != nil {
		code, err := codeSeq.next(*producteurID)
		if err != nil {
			return nil, err
		}
		parcelle.Code = &code
	}

	return parcelle, nil
}

// ---- small helpers ----

func fileKindFromName(filename string) (string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".zip", ".rar":
		return models.FileKindShapefile, nil
	case ".kml":
		return models.FileKindKML, nil
	case ".kmz":
		return models.FileKindKMZ, nil
	case ".json", ".geojson":
		return models.FileKindGeoJSON, nil
	default:
		return "", models.ValidationError("filename",
			"unsupported file extension; expected .zip, .rar, .kml, .kmz, .json or .geojson")
	}
}

func sourceFromKind(kind string) string {
	switch kind {
	case models.FileKindShapefile:
		return models.SourceShapefile
	case models.FileKindKML, models.FileKindKMZ:
		return models.SourceKML
	default:
		return models.SourceGeoJSON
	}
}

func storageKeyFor(cooperativeID string, contentHash string, filename string) string {
	scope := cooperativeID
	if scope == "" {
		scope = "shared"
	}
	return "imports/" + scope + "/" + contentHash + strings.ToLower(filepath.Ext(filename))
}

func labelFromAttributes(attrs map[string]interface{}) string {
	for _, candidate := range labelFields {
		for key, value := range attrs {
			if strings.EqualFold(key, candidate) {
				if text, ok := value.(string); ok && strings.TrimSpace(text) != "" {
					return strings.TrimSpace(text)
				}
			}
		}
	}
	return ""
}

func villageFromAttributes(attrs map[string]interface{}) string {
	for key, value := range attrs {
		if strings.EqualFold(key, "village") {
			if text, ok := value.(string); ok {
				return strings.TrimSpace(text)
			}
		}
	}
	return ""
}

func nameFromField(attrs map[string]interface{}, field string) string {
	for key, value := range attrs {
		if strings.EqualFold(key, field) {
			switch v := value.(type) {
			case string:
				return strings.TrimSpace(v)
			case nil:
				return ""
			default:
				return strings.TrimSpace(fmt.Sprintf("%v", v))
			}
		}
	}
	return ""
}

func validateNameField(features []models.ParsedFeature, field string) error {
	for _, feature := range features {
		for key := range feature.Attributes {
			if strings.EqualFold(key, field) {
				return nil
			}
		}
	}
	return models.ValidationError("name_field",
		fmt.Sprintf("field %q does not exist in the parsed features", field))
}

type ownerGroup struct {
	displayName string
	features    []models.ParsedFeature
}

// groupByOwnerName buckets valid non-duplicate features by normalized owner
// name; features without a name land in the orphan count.
func groupByOwnerName(features []models.ParsedFeature, field string) (map[string]*ownerGroup, int) {
	groups := make(map[string]*ownerGroup)
	orphanCount := 0
	for _, feature := range features {
		if !feature.Validation.OK || feature.IsDuplicate {
			continue
		}
		name := nameFromField(feature.Attributes, field)
		if name == "" {
			orphanCount++
			continue
		}
		normalized := methods.NormalizeName(name)
		group, ok := groups[normalized]
		if !ok {
			group = &ownerGroup{displayName: name}
			groups[normalized] = group
		}
		group.features = append(group.features, feature)
	}
	return groups, orphanCount
}

func normalizedKeys(groups map[string]*ownerGroup) []string {
	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func extractCertifications(attrs map[string]interface{}) []string {
	var certifications []string
	for key, value := range attrs {
		lowered := strings.ToLower(key)
		for _, field := range certificationFields {
			if strings.Contains(lowered, field) {
				if text, ok := value.(string); ok && strings.TrimSpace(text) != "" {
					certifications = append(certifications, strings.TrimSpace(text))
				}
				break
			}
		}
	}
	sort.Strings(certifications)
	return certifications
}

// detectConformite is a fuzzy heuristic: certification-ish attributes push a
// parcel to "a_verifier" for manual review; nothing is ever auto-declared
// conforming.
func detectConformite(certifications []string) string {
	if len(certifications) > 0 {
		return models.ConformiteAVerifier
	}
	return models.ConformiteInconnu
}

func warningCode(message string) string {
	if strings.Contains(message, "projected") {
		return models.ErrCodeLikelyProjected
	}
	if strings.Contains(message, "duplicate") {
		return models.ErrCodeDuplicateGeometry
	}
	return models.ErrCodeValidation
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := err.Error()
	return strings.Contains(message, "duplicate key") ||
		strings.Contains(message, "UNIQUE constraint failed") ||
		strings.Contains(message, "23505")
}
