// Package provenance decides which sensor platform produced an input and
// rejects inputs from platforms outside the allowed set.
//
// Detection runs cheapest first: file-name tokens, the platform cache (memory,
// then the optional SQLite store), sidecar YAML metadata, and finally the
// platform of surface-reflectance files for the same tile within a few days.
package provenance

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/logging"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/resolver"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/store"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/tile"
	"github.com/Robotmcgregor/work-easi-eds-sub001/internal/types"
)

// Detection sources.
const (
	SourceFilename = "filename"
	SourceCache    = "cache"
	SourceStore    = "store"
	SourceMetadata = "metadata"
	SourceLocalSR  = "local-sr"
	SourceNone     = "none"
)

// DefaultSearchDays is the ± window for nearby reflectance inference.
const DefaultSearchDays = 7

// Persistence is the durable side of the cache. *store.PlatformStore implements it.
type Persistence interface {
	Get(ctx context.Context, key string) (store.PlatformRecord, bool, error)
	Put(ctx context.Context, rec store.PlatformRecord) error
	Purge(ctx context.Context) (int64, error)
}

// Options configures a Validator.
type Options struct {
	Allowed    []string    // platform names; empty means landsat-8 and landsat-9
	Cache      Cache       // nil creates a DefaultCacheSize LRU
	Store      Persistence // optional
	SRRoots    []string    // roots searched for same-tile reflectance files
	SearchDays int
}

// Detection is the outcome of Detect.
type Detection struct {
	Path     string
	Platform Platform
	Source   string
}

// Validator detects platforms and enforces the allowed set.
type Validator struct {
	allowed    map[Platform]bool
	cache      Cache
	store      Persistence
	srRoots    []string
	searchDays int
}

// New builds a Validator.
func New(o Options) (*Validator, error) {
	if o.Cache == nil {
		c, err := NewLRUCache(DefaultCacheSize)
		if err != nil {
			return nil, err
		}
		o.Cache = c
	}
	if len(o.Allowed) == 0 {
		o.Allowed = []string{string(Landsat8), string(Landsat9)}
	}
	if o.SearchDays <= 0 {
		o.SearchDays = DefaultSearchDays
	}
	allowed := make(map[Platform]bool, len(o.Allowed))
	for _, a := range o.Allowed {
		allowed[Platform(strings.ToLower(strings.TrimSpace(a)))] = true
	}
	return &Validator{
		allowed:    allowed,
		cache:      o.Cache,
		store:      o.Store,
		srRoots:    o.SRRoots,
		searchDays: o.SearchDays,
	}, nil
}

// Cache returns the in-memory cache.
func (v *Validator) Cache() Cache { return v.cache }

// Allowed reports whether p is in the allowed set.
func (v *Validator) Allowed(p Platform) bool { return v.allowed[p] }

// Key is the cache key of a file name: <PPP_RRR>|<YYYYMMDD>.
func Key(name string) (string, bool) {
	t, ok := tile.FromName(name)
	if !ok {
		return "", false
	}
	d, ok := tile.ExtractDate(name)
	if !ok {
		return "", false
	}
	return t.Code() + "|" + d.String(), true
}

// Detect determines the platform of path. An undetermined platform is not an
// error; it comes back as Unknown with SourceNone.
func (v *Validator) Detect(ctx context.Context, path string) (Detection, error) {
	if err := ctx.Err(); err != nil {
		return Detection{}, err
	}
	name := filepath.Base(path)
	det := Detection{Path: path, Source: SourceNone}

	if p := FromFilename(name); p != Unknown {
		det.Platform, det.Source = p, SourceFilename
		return det, nil
	}

	key, keyed := Key(name)
	if keyed {
		if p, ok := v.cache.Get(key); ok {
			det.Platform, det.Source = p, SourceCache
			return det, nil
		}
		if v.store != nil {
			rec, ok, err := v.store.Get(ctx, key)
			if err != nil {
				logging.ProvenanceWarn("Platform store lookup failed for %s: %v", key, err)
			} else if ok && rec.Platform != "" {
				p := Platform(rec.Platform)
				v.cache.Add(key, p)
				det.Platform, det.Source = p, SourceStore
				return det, nil
			}
		}
	}

	if p := fromSidecar(path); p != Unknown {
		det.Platform, det.Source = p, SourceMetadata
		v.remember(ctx, key, keyed, det)
		return det, nil
	}

	if keyed {
		if p := v.inferLocal(name); p != Unknown {
			det.Platform, det.Source = p, SourceLocalSR
			v.remember(ctx, key, keyed, det)
			return det, nil
		}
	}

	logging.ProvenanceDebug("No platform evidence for %s", name)
	return det, nil
}

func (v *Validator) remember(ctx context.Context, key string, keyed bool, det Detection) {
	if !keyed {
		return
	}
	v.cache.Add(key, det.Platform)
	if v.store == nil {
		return
	}
	rec := store.PlatformRecord{Key: key, Platform: string(det.Platform), Source: det.Source}
	if err := v.store.Put(ctx, rec); err != nil {
		logging.ProvenanceWarn("Failed to persist platform for %s: %v", key, err)
	}
}

// Check returns a *types.ProvenanceError when path's platform is not allowed.
// Undetermined platforms are rejected.
func (v *Validator) Check(ctx context.Context, path string) (Detection, error) {
	det, err := v.Detect(ctx, path)
	if err != nil {
		return det, err
	}
	if !v.allowed[det.Platform] {
		return det, &types.ProvenanceError{Path: path, Platform: string(det.Platform)}
	}
	logging.ProvenanceDebug("%s: %s via %s", filepath.Base(path), det.Platform, det.Source)
	return det, nil
}

// Filter splits paths into allowed ones and rejected detections.
func (v *Validator) Filter(ctx context.Context, paths []string) ([]string, []Detection, error) {
	var kept []string
	var rejected []Detection
	for _, p := range paths {
		det, err := v.Check(ctx, p)
		if err != nil {
			var perr *types.ProvenanceError
			if !errors.As(err, &perr) {
				return nil, nil, err
			}
			logging.Provenance("Dropping %s: platform %s not allowed", filepath.Base(p), det.Platform)
			rejected = append(rejected, det)
			continue
		}
		kept = append(kept, p)
	}
	return kept, rejected, nil
}

// Purge empties the cache and the persistent store.
func (v *Validator) Purge(ctx context.Context) error {
	v.cache.Purge()
	if v.store == nil {
		return nil
	}
	n, err := v.store.Purge(ctx)
	if err != nil {
		return fmt.Errorf("failed to purge platform store: %w", err)
	}
	logging.Provenance("Purged platform cache (%d persisted)", n)
	return nil
}

// sidecar metadata: <stem>.yaml, <stem>.yml, <stem>.odc-metadata.yaml
func sidecars(path string) []string {
	stem := strings.TrimSuffix(path, filepath.Ext(path))
	return []string{stem + ".yaml", stem + ".yml", stem + ".odc-metadata.yaml"}
}

// metadata keys consulted, top level or under "properties"
var metaKeys = []string{"platform", "eo:platform", "eo:instrument", "instrument", "spacecraft_id", "sensor"}

func fromSidecar(path string) Platform {
	for _, sc := range sidecars(path) {
		data, err := os.ReadFile(sc)
		if err != nil {
			continue
		}
		var doc map[string]interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			logging.ProvenanceDebug("Ignoring unparsable metadata %s: %v", sc, err)
			continue
		}
		if p := fromMetadata(doc); p != Unknown {
			return p
		}
	}
	return Unknown
}

func fromMetadata(doc map[string]interface{}) Platform {
	scopes := []map[string]interface{}{doc}
	if props, ok := doc["properties"].(map[string]interface{}); ok {
		scopes = append(scopes, props)
	}
	for _, scope := range scopes {
		for _, k := range metaKeys {
			s, ok := scope[k].(string)
			if !ok {
				continue
			}
			if p := Classify(s); p != Unknown {
				return p
			}
		}
	}
	return Unknown
}

// inferLocal looks for reflectance files of the same tile within ±searchDays
// and takes the platform of the nearest one (ties to the newer date).
func (v *Validator) inferLocal(name string) Platform {
	t, _ := tile.FromName(name)
	d, _ := tile.ExtractDate(name)
	lo := tile.NewDate(d.Year(), d.Time().Month(), d.Day()-v.searchDays)
	hi := tile.NewDate(d.Year(), d.Time().Month(), d.Day()+v.searchDays)

	seen := map[string]bool{}
	best, bestGap := Unknown, v.searchDays+1
	var bestDate tile.DateTag
	for _, root := range v.srRoots {
		for _, month := range []tile.DateTag{lo, d, hi} {
			for _, dir := range resolver.MonthDirs(root, t, month) {
				if seen[dir] {
					continue
				}
				seen[dir] = true
				entries, err := os.ReadDir(dir)
				if err != nil {
					continue
				}
				for _, e := range entries {
					n := e.Name()
					if e.IsDir() || !t.Matches(n) {
						continue
					}
					p := FromFilename(n)
					fd, ok := tile.ExtractDate(n)
					if p == Unknown || !ok {
						continue
					}
					gap := tile.DaysBetween(fd, d)
					if gap < bestGap || (gap == bestGap && fd.After(bestDate)) {
						best, bestGap, bestDate = p, gap, fd
					}
				}
			}
		}
	}
	return best
}
