package models

import (
	"time"

	"gorm.io/datatypes"
)

// Lifecycle statuses of an uploaded file. "applied" is terminal, "failed" is
// reachable from uploaded and parsed.
const (
	StatusUploaded = "uploaded"
	StatusParsed   = "parsed"
	StatusApplied  = "applied"
	StatusFailed   = "failed"
)

// Declared kind of an uploaded file, derived from its extension at upload.
const (
	FileKindShapefile = "shapefile"
	FileKindKML       = "kml"
	FileKindKMZ       = "kmz"
	FileKindGeoJSON   = "geojson"
)

type ImportFile struct {
	ID            string         `gorm:"type:varchar(36);primary_key" json:"id"`
	CooperativeID *string        `gorm:"type:varchar(36);index;uniqueIndex:uidx_import_coop_hash" json:"cooperative_id"`
	Filename      string         `gorm:"type:varchar(255)" json:"filename"`
	StorageKey    string         `gorm:"type:varchar(255)" json:"storage_key"`
	FileKind      string         `gorm:"type:varchar(16)" json:"file_kind"`
	ContentHash   string         `gorm:"type:varchar(64);uniqueIndex:uidx_import_coop_hash" json:"content_hash"`
	Status        string         `gorm:"type:varchar(16);index" json:"status"`
	Report        datatypes.JSON `gorm:"type:jsonb" json:"report"`
	FeatureCount  int            `json:"feature_count"`
	AppliedCount  int            `json:"applied_count"`
	SkippedCount  int            `json:"skipped_count"`
	CreatedBy     string         `gorm:"type:varchar(36)" json:"created_by"`
	AppliedBy     *string        `gorm:"type:varchar(36)" json:"applied_by"`
	AppliedAt     *time.Time     `json:"applied_at"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (ImportFile) TableName() string {
	return "import_files"
}

// ImportReport is the diagnostic payload persisted in ImportFile.Report.
type ImportReport struct {
	Errors            []ImportError `json:"errors"`
	Warnings          []ImportError `json:"warnings"`
	FeatureCount      int           `json:"feature_count"`
	AvailableFields   []string      `json:"available_fields"`
	HasProjectionInfo *bool         `json:"has_projection_info,omitempty"`
}
