package models

import (
	"time"
)

// Producteur is the owner registry entry a parcel can be assigned to.
// NomNormalise is the diacritic-stripped, case-folded, whitespace-collapsed
// form of Nom; (cooperative, normalized name) is the natural key auto-create
// mode merges on.
type Producteur struct {
	ID            string    `gorm:"type:varchar(36);primary_key" json:"id"`
	Nom           string    `gorm:"type:varchar(255)" json:"nom"`
	NomNormalise  string    `gorm:"type:varchar(255);uniqueIndex:uidx_prod_coop_nom" json:"nom_normalise"`
	CooperativeID string    `gorm:"type:varchar(36);index;uniqueIndex:uidx_prod_coop_nom" json:"cooperative_id"`
	Village       string    `gorm:"type:varchar(255)" json:"village"`
	ContactID     *string   `gorm:"type:varchar(36)" json:"contact_id"`
	AutoCreated   bool      `gorm:"default:false" json:"auto_created"`
	ImportFileID  *string   `gorm:"type:varchar(36)" json:"import_file_id"`
	Actif         bool      `gorm:"default:true" json:"actif"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Producteur) TableName() string {
	return "producteurs"
}
