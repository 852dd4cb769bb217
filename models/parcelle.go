package models

import (
	"time"

	"gorm.io/datatypes"
)

// Conformity classification of a parcel.
const (
	ConformiteConforme    = "conforme"
	ConformiteNonConforme = "non_conforme"
	ConformiteAVerifier   = "a_verifier"
	ConformiteInconnu     = "inconnu"
)

// Origin of a parcel record.
const (
	SourceManuel    = "manuel"
	SourceShapefile = "shapefile"
	SourceKML       = "kml"
	SourceGeoJSON   = "geojson"
)

// Parcelle is one land parcel. Geometry is stored as a GeoJSON MultiPolygon
// document; GeomHash is the dedup key over the normalized geometry, unique
// among active rows only so a deactivated parcel never blocks a re-import.
// A parcel without a producteur (orphan) must keep its ImportFileID, the
// only handle that authorizes access to it later.
type Parcelle struct {
	ID             string         `gorm:"type:varchar(36);primary_key" json:"id"`
	ProducteurID   *string        `gorm:"type:varchar(36);index;uniqueIndex:uidx_parcelle_prod_code" json:"producteur_id"`
	Code           *string        `gorm:"type:varchar(32);uniqueIndex:uidx_parcelle_prod_code" json:"code"`
	Libelle        string         `gorm:"type:varchar(255)" json:"libelle"`
	Village        string         `gorm:"type:varchar(255)" json:"village"`
	Geom           datatypes.JSON `gorm:"type:jsonb" json:"geom"`
	CentroidLat    float64        `json:"centroid_lat"`
	CentroidLng    float64        `json:"centroid_lng"`
	SurfaceHa      float64        `json:"surface_ha"`
	Certifications datatypes.JSON `gorm:"type:jsonb" json:"certifications"`
	Conformite     string         `gorm:"type:varchar(32)" json:"conformite"`
	Source         string         `gorm:"type:varchar(16)" json:"source"`
	ImportFileID   *string        `gorm:"type:varchar(36);index" json:"import_file_id"`
	GeomHash       string         `gorm:"type:varchar(64);uniqueIndex:uidx_parcelle_geom_hash,where:actif" json:"geom_hash"`
	Actif          bool           `gorm:"default:true" json:"actif"`
	CreatedBy      string         `gorm:"type:varchar(36)" json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (Parcelle) TableName() string {
	return "parcelles"
}
