package models

import (
	"github.com/paulmach/orb"
)

type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Session identifies the caller. Filled by the views from request headers and
// passed explicitly to every service method.
type Session struct {
	UserID        string
	CooperativeID string
}

// FeatureValidation is the per-feature validity verdict built during parse.
type FeatureValidation struct {
	OK       bool     `json:"ok"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// ParsedFeature is the ephemeral unit produced by parse and consumed by
// preview and apply. Geometry is always normalized to MultiPolygon before
// hashing, area computation or storage.
type ParsedFeature struct {
	TempID            string                 `json:"temp_id"`
	Libelle           string                 `json:"libelle"`
	Attributes        map[string]interface{} `json:"attributes"`
	Geom              orb.MultiPolygon       `json:"-"`
	GeomOriginalValid bool                   `json:"geom_original_valid"`
	SurfaceHa         float64                `json:"surface_ha"`
	CentroidLat       float64                `json:"centroid_lat"`
	CentroidLng       float64                `json:"centroid_lng"`
	Validation        FeatureValidation      `json:"validation"`
	GeomHash          string                 `json:"geom_hash"`
	IsDuplicate       bool                   `json:"is_duplicate"`
	DuplicateOfID     string                 `json:"duplicate_of_id,omitempty"`
}

// Apply modes.
const (
	ApplyModeAssign     = "assign"
	ApplyModeOrphan     = "orphan"
	ApplyModeAutoCreate = "auto_create"
)

type ParseRequest struct {
	ImportFileID string `json:"import_file_id"`
}

type PreviewRequest struct {
	ImportFileID string `json:"import_file_id"`
	NameField    string `json:"name_field"`
}

// ApplyRequest selects one of the three apply modes. ProducteurID is required
// for assign mode; NameField for auto_create; DefaultContactID optionally
// attaches a contact to owners created by auto_create.
type ApplyRequest struct {
	ImportFileID     string  `json:"import_file_id"`
	Mode             string  `json:"mode"`
	ProducteurID     *string `json:"producteur_id,omitempty"`
	NameField        string  `json:"name_field,omitempty"`
	DefaultContactID *string `json:"default_contact_id,omitempty"`
}

// ParseResult is returned by Parse; the feature list is not persisted.
type ParseResult struct {
	ImportFile *ImportFile     `json:"import_file"`
	Features   []ParsedFeature `json:"features"`
	Report     ImportReport    `json:"report"`
}

// PreviewBucket describes one normalized owner name in the auto-create
// preview: either a new owner to create or an existing one to reuse.
type PreviewBucket struct {
	Name           string `json:"name"`
	NormalizedName string `json:"normalized_name"`
	FeatureCount   int    `json:"feature_count"`
	ProducteurID   string `json:"producteur_id,omitempty"`
	ProducteurNom  string `json:"producteur_nom,omitempty"`
}

type PreviewResult struct {
	WillCreate  []PreviewBucket `json:"will_create"`
	WillReuse   []PreviewBucket `json:"will_reuse"`
	OrphanCount int             `json:"orphan_count"`
}

// ApplyResult is the batch-commit outcome. Re-applying an already applied
// import returns the recorded counts without creating anything.
type ApplyResult struct {
	ImportFileID string   `json:"import_file_id"`
	AppliedCount int      `json:"applied_count"`
	SkippedCount int      `json:"skipped_count"`
	CreatedIDs   []string `json:"created_ids"`
	OwnerCreated int      `json:"owners_created"`
	OwnerReused  int      `json:"owners_reused"`
}
