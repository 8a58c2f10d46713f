package mediacache

import (
	"context"
	"os"
	"path"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type recreateCandidate struct {
	unit       *Unit
	lastCached int64
}

// Recreate registers files left in the cache folders by a previous run
// with the index. Per key only the most recently cached file is kept,
// superseded copies and files without readable metadata are removed.
// The default cache folder is always scanned in addition to the cache
// folders of the given folder configs.
func (s *Service) Recreate(ctx context.Context, folders []FolderConfig) error {
	roots := map[string]struct{}{DefaultCacheFolder: {}}
	for _, f := range folders {
		roots[f.CacheFolder()] = struct{}{}
	}

	var (
		candidates = map[Key][]recreateCandidate{}
		orphans    []string
	)

	for root := range roots {
		files, err := s.storage.List(ctx, root)
		if err != nil {
			return errors.Wrapf(err, "list cache folder %q", root)
		}

		for _, cachePath := range files {
			meta, err := s.storage.LoadMeta(ctx, cachePath)
			if err != nil || meta.CacheFolder != root || meta.Location == "" {
				orphans = append(orphans, cachePath)
				continue
			}

			key := NewKey(meta.Tenant, meta.CacheFolder, meta.Location)
			candidates[key] = append(candidates[key], recreateCandidate{
				unit:       newUnit(key, cachePath, s.absolutePath(cachePath), meta.Size),
				lastCached: meta.LastCached.UnixNano(),
			})
		}
	}

	winners := make([]recreateCandidate, 0, len(candidates))
	for _, list := range candidates {
		sort.Slice(list, func(i, j int) bool { return list[i].lastCached > list[j].lastCached })

		for _, superseded := range list[1:] {
			orphans = append(orphans, superseded.unit.cachePath)
		}

		winners = append(winners, list[0])
	}

	// Oldest first: the newest files end up most recently used and survive
	// when the stored files exceed the capacity
	sort.Slice(winners, func(i, j int) bool {
		if winners[i].lastCached != winners[j].lastCached {
			return winners[i].lastCached < winners[j].lastCached
		}
		return winners[i].unit.cachePath < winners[j].unit.cachePath
	})

	var registered int
	for _, w := range winners {
		// A rejected unit is cleaned up through the miss-load-discarded event
		if s.index.Put(w.unit.key, w.unit) {
			registered++
		}
	}

	for _, cachePath := range orphans {
		if err := s.storage.RemoveFile(ctx, cachePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.WithError(err).WithField("path", path.Join(s.dataDir, cachePath)).Error("removing orphaned cache file")
		}
	}

	s.logger.WithFields(logrus.Fields{
		"orphans":    len(orphans),
		"registered": registered,
	}).Info("recreated media cache")

	return nil
}
