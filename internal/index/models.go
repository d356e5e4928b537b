package index

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Runs
// -----------------------------------------------------------------------------

// Run is the index's cached view of a run directory's meta.json/status.json.
// It is derived data — the run directory under the storage root remains the
// source of truth; the index exists only to make listing and filtering runs
// fast without a full filesystem walk.
type Run struct {
	base
	RunID         string `gorm:"uniqueIndex;not null"` // matches the on-disk run directory name
	Project       string `gorm:"not null;index"`
	Name          string `gorm:"default:''"`
	Status        string `gorm:"not null;default:'running';index"` // running, finished, failed
	WriterPID     int    `gorm:"not null;default:0"`
	Hostname      string `gorm:"default:''"`
	StartedAt     time.Time `gorm:"not null;index"`
	EndedAt       *time.Time
	StorageRootID uuid.UUID `gorm:"type:text;not null;index"`
	// RunDir is the run's directory path, relative to its storage root.
	RunDir        string `gorm:"not null"`
	WorkspaceRoot string `gorm:"default:''"`
}

// -----------------------------------------------------------------------------
// Assets
// -----------------------------------------------------------------------------

// AssetType enumerates the asset kinds named in spec §3.
type AssetType string

const (
	AssetTypeCodeSnapshot AssetType = "code_snapshot"
	AssetTypeConfig       AssetType = "config"
	AssetTypeDataset      AssetType = "dataset"
	AssetTypePretrained   AssetType = "pretrained"
	AssetTypeOutput       AssetType = "output"
)

// FingerprintKind enumerates how Asset.Fingerprint was computed.
type FingerprintKind string

const (
	FingerprintSHA256        FingerprintKind = "sha256"
	FingerprintSHA256Manifest FingerprintKind = "sha256_manifest"
	FingerprintStat          FingerprintKind = "stat"
)

// Asset is a logical entity linked to runs via RunAssetLink. Uniqueness:
// (asset_type, fingerprint) when fingerprint is present — enforced by a
// partial unique index in the migration.
type Asset struct {
	base
	AssetID         string          `gorm:"column:asset_id;uniqueIndex;not null"`
	AssetType       AssetType       `gorm:"not null;index:idx_assets_type_fp"`
	Name            string          `gorm:"not null"`
	SourceURI       string          `gorm:"default:''"`
	ArchiveURI      string          `gorm:"default:''"`
	IsArchived      bool            `gorm:"not null;default:false"`
	FingerprintKind FingerprintKind `gorm:"default:''"`
	Fingerprint     string          `gorm:"index:idx_assets_type_fp"`
	SizeBytes       *int64
	MTime           *time.Time
	Metadata        string `gorm:"type:text;default:'{}'"` // JSON
}

// -----------------------------------------------------------------------------
// Run-Asset links
// -----------------------------------------------------------------------------

// Role enumerates the intent a RunAssetLink records.
type Role string

const (
	RoleCode    Role = "code"
	RoleConfig  Role = "config"
	RoleDataset Role = "dataset"
	RolePretrained Role = "pretrained"
	RoleOutput  Role = "output"
)

// RunAssetLink is the join table between Run and Asset. A run references an
// asset zero or more times per role; deletion of a run removes its links and
// reclaims assets whose link count drops to zero (see Service.DeleteRunWithOrphanAssets).
type RunAssetLink struct {
	RunID     uuid.UUID `gorm:"type:text;primaryKey"`
	AssetID   uuid.UUID `gorm:"type:text;primaryKey"`
	Role      Role      `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Storage roots
// -----------------------------------------------------------------------------

// StorageRoot records a directory tree Runicorn has been pointed at, local or
// mounted-remote. The Index uses it to scope Run.RunDir and to remember
// which roots Storage Discovery should keep scanning.
type StorageRoot struct {
	base
	Root          string `gorm:"uniqueIndex;not null"`
	Label         string `gorm:"default:''"`
	Remote        bool   `gorm:"not null;default:false"`
	LastScannedAt *time.Time
}

// -----------------------------------------------------------------------------
// Known hosts (Remote Sync Engine)
// -----------------------------------------------------------------------------

// KnownHostEntry mirrors one row of the known_hosts store consulted by the
// Remote Sync Engine's SSH transport before trusting a new host key. It is
// kept in the same embedded database as Run/Asset so a single file backs all
// of Runicorn's persisted state.
type KnownHostEntry struct {
	base
	Host        string    `gorm:"not null;index"`
	Port        int       `gorm:"not null;default:22"`
	KeyType     string    `gorm:"not null"` // e.g. "ssh-ed25519"
	KeyBase64   string    `gorm:"not null;type:text"`
	Fingerprint string    `gorm:"not null"` // SHA256:base64, OpenSSH format
	PinnedAt    time.Time `gorm:"not null"`
}
