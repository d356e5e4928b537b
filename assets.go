package runicorn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/Skydoge-zjm/Runicorn-sub000/internal/index"
	"github.com/Skydoge-zjm/Runicorn-sub000/internal/store"
)

// assetRef is one entry of assets.json: a denormalized mirror of the asset
// row the index holds, kept alongside the run so its asset history is
// readable without a database even if the index is ever rebuilt.
type assetRef struct {
	Name            string `json:"name"`
	SourceURI       string `json:"source_uri,omitempty"`
	ArchiveURI      string `json:"archive_uri,omitempty"`
	IsArchived      bool   `json:"is_archived"`
	FingerprintKind string `json:"fingerprint_kind,omitempty"`
	Fingerprint     string `json:"fingerprint,omitempty"`
	SizeBytes       *int64 `json:"size_bytes,omitempty"`
	Description     string `json:"description,omitempty"`
	RecordedAt      string `json:"recorded_at"`
}

// assetsDoc is the on-disk shape of assets.json.
type assetsDoc struct {
	CodeSnapshot *assetRef  `json:"code_snapshot,omitempty"`
	Config       *assetRef  `json:"config,omitempty"`
	Datasets     []assetRef `json:"datasets,omitempty"`
	Pretrained   []assetRef `json:"pretrained,omitempty"`
	Outputs      []assetRef `json:"outputs,omitempty"`
}

func (r *Run) writeAssetsDoc() {
	r.mu.Lock()
	doc := r.assetsDoc
	r.mu.Unlock()
	if err := writeJSONAtomic(filepath.Join(r.dir, "assets.json"), doc); err != nil {
		r.log.Warn("failed to write assets.json", zap.Error(err))
	}
}

// recordAsset is the shared path behind LogConfig/LogDataset/LogPretrained/
// RecordOutputAsset: it upserts the asset into the index (deduplicating on
// fingerprint), links it to this run under role, and mirrors the entry into
// assets.json.
func (r *Run) recordAsset(ctx context.Context, assetType index.AssetType, role index.Role, name, sourceURI, description string, result store.ArchiveResult) error {
	// result.Fingerprint is empty on the reference-only path (a non-local
	// pathOrURI, e.g. s3://...): fall back to role+sourceURI so two distinct
	// referenced assets sharing a name don't collide on Asset.AssetID's
	// unique index and silently drop the second Upsert.
	disambiguator := result.Fingerprint
	if disambiguator == "" {
		disambiguator = string(role) + ":" + sourceURI
	}
	asset := &index.Asset{
		AssetID:         name + ":" + disambiguator,
		AssetType:       assetType,
		Name:            name,
		SourceURI:       sourceURI,
		ArchiveURI:      result.ArchivePath,
		IsArchived:      result.ArchivePath != "",
		FingerprintKind: index.FingerprintKind(result.FingerprintKind),
		Fingerprint:     result.Fingerprint,
		SizeBytes:       int64Ptr(result.TotalSizeBytes),
	}

	runUUID, err := r.runIndexID(ctx)
	if err != nil {
		r.log.Warn("failed to resolve run id for asset link", zap.Error(err))
	} else {
		if err := r.svc.RecordAssetForRun(ctx, runUUID, asset, role); err != nil {
			r.log.Warn("failed to record asset in index", zap.String("asset", name), zap.Error(err))
		}
	}

	ref := assetRef{
		Name: name, SourceURI: sourceURI, ArchiveURI: asset.ArchiveURI,
		IsArchived: asset.IsArchived, FingerprintKind: string(asset.FingerprintKind),
		Fingerprint: asset.Fingerprint, SizeBytes: asset.SizeBytes,
		Description: description,
		RecordedAt:  time.Now().UTC().Format(time.RFC3339),
	}

	r.mu.Lock()
	switch role {
	case index.RoleCode:
		r.assetsDoc.CodeSnapshot = &ref
	case index.RoleConfig:
		r.assetsDoc.Config = &ref
	case index.RoleDataset:
		r.assetsDoc.Datasets = append(r.assetsDoc.Datasets, ref)
	case index.RolePretrained:
		r.assetsDoc.Pretrained = append(r.assetsDoc.Pretrained, ref)
	case index.RoleOutput:
		r.assetsDoc.Outputs = upsertByName(r.assetsDoc.Outputs, ref)
	}
	r.mu.Unlock()

	r.writeAssetsDoc()
	return nil
}

func upsertByName(entries []assetRef, ref assetRef) []assetRef {
	for i, e := range entries {
		if e.Name == ref.Name {
			entries[i] = ref
			return entries
		}
	}
	return append(entries, ref)
}

func int64Ptr(n int64) *int64 { return &n }

// LogConfig records the run's hyperparameters/CLI args as the "config"
// asset. Fingerprint is derived from the serialized document (args, extra
// and config_files together) so identical
// configs across runs collapse to one logical asset (asset_type, fingerprint
// dedup — spec.md §4.3).
func (r *Run) LogConfig(args map[string]any, extra map[string]any, configFiles []string) error {
	doc := map[string]any{"args": args, "extra": extra, "config_files": configFiles}
	fp, err := fingerprintValue(doc)
	if err != nil {
		r.log.Warn("failed to fingerprint config", zap.Error(err))
		fp = ""
	}

	path := filepath.Join(r.dir, "config.json")
	if err := writeJSONAtomic(path, doc); err != nil {
		r.log.Warn("failed to write config.json", zap.Error(err))
	}

	result := store.ArchiveResult{FingerprintKind: "sha256", Fingerprint: fp, ArchivePath: ""}
	return r.recordAsset(context.Background(), index.AssetTypeConfig, index.RoleConfig, "config", path, "", result)
}

// LogDataset fingerprints pathOrURI (stat-based: file size+mtime, directory
// aggregate size+newest mtime) and, if save is true, archives it into the
// blob store before recording it as a dataset asset under the given
// description.
func (r *Run) LogDataset(name, pathOrURI string, save bool, description string) error {
	return r.logReferencedAsset(index.AssetTypeDataset, index.RoleDataset, name, pathOrURI, description, save)
}

// LogPretrained is LogDataset's counterpart for pretrained model weights.
func (r *Run) LogPretrained(name, pathOrURI string, save bool, description string) error {
	return r.logReferencedAsset(index.AssetTypePretrained, index.RolePretrained, name, pathOrURI, description, save)
}

// LogArtifact is sugar over LogDataset/LogPretrained selecting the asset
// kind via assetType ("dataset" or "pretrained"). Recovered from
// original_source/'s log_artifact convenience.
func (r *Run) LogArtifact(path string, assetType string) error {
	switch assetType {
	case "pretrained":
		return r.LogPretrained(filepath.Base(path), path, true, "")
	default:
		return r.LogDataset(filepath.Base(path), path, true, "")
	}
}

func (r *Run) logReferencedAsset(assetType index.AssetType, role index.Role, name, pathOrURI, description string, save bool) error {
	info, err := os.Stat(pathOrURI)
	if err != nil {
		// Not a local path (e.g. s3:// URI) — record by reference only, no
		// fingerprint, matching spec.md's "fingerprint may be absent" allowance.
		result := store.ArchiveResult{}
		return r.recordAsset(context.Background(), assetType, role, name, pathOrURI, description, result)
	}

	var result store.ArchiveResult
	if save {
		category := string(assetType)
		if info.IsDir() {
			result, err = r.store.ArchiveDir(pathOrURI, category)
		} else {
			result, err = r.store.ArchiveFile(pathOrURI, category)
		}
		if err != nil {
			return fmt.Errorf("runicorn: archive %s %q: %w", assetType, pathOrURI, err)
		}
	} else {
		result = statFingerprint(pathOrURI, info)
	}

	return r.recordAsset(context.Background(), assetType, role, name, pathOrURI, description, result)
}

// statFingerprint computes a stat-only fingerprint for a dataset/pretrained
// path that is not being archived into the blob store: for a file, its
// {size, mtime}; for a directory, the aggregate size and newest mtime across
// its tree. This mirrors internal/store's rolling-mode fingerprint shape
// without copying any bytes.
func statFingerprint(path string, info os.FileInfo) store.ArchiveResult {
	if !info.IsDir() {
		fp := fmt.Sprintf("%d:%d", info.Size(), info.ModTime().UnixNano())
		return store.ArchiveResult{FingerprintKind: "stat", Fingerprint: fp, TotalSizeBytes: info.Size(), FileCount: 1}
	}

	var total int64
	var newest int64
	var count int
	_ = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		fi, statErr := d.Info()
		if statErr != nil {
			return nil
		}
		total += fi.Size()
		count++
		if mt := fi.ModTime().UnixNano(); mt > newest {
			newest = mt
		}
		return nil
	})
	fp := fmt.Sprintf("%d:%d", total, newest)
	return store.ArchiveResult{FingerprintKind: "stat", Fingerprint: fp, TotalSizeBytes: total, FileCount: count}
}

// snapshotCode archives the current working directory as a code_snapshot
// asset, called once at init time when Config.SnapshotCode is set.
func (r *Run) snapshotCode() error {
	wd, err := os.Getwd()
	if err != nil {
		return err
	}
	result, err := r.store.ArchiveDir(wd, "code_snapshot")
	if err != nil {
		return err
	}
	return r.recordAsset(context.Background(), index.AssetTypeCodeSnapshot, index.RoleCode, filepath.Base(wd), wd, "", result)
}

// fingerprintValue hashes v's JSON encoding, used for assets whose identity
// is a value (config) rather than a file on disk. encoding/json sorts
// map[string]T keys, so the result is stable across calls with equal maps.
func fingerprintValue(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
