package mediacache

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/Luzifer/mediacache/pkg/region"
)

// handleEvent keeps the files on disk in line with the units retained by
// the index. Cleanup failures are logged and never escalated.
func (s *Service) handleEvent(ev region.Event[Key, *Unit]) {
	if ev.Value == nil {
		return
	}

	switch ev.Type {
	case region.EventAdded:
		// Nothing to do, the file was written by the loader

	case region.EventEvicted, region.EventRemoved:
		s.markAsEvictedAndTryRemove(ev)

	case region.EventMissLoadDiscarded:
		s.removeDiscarded(ev)
	}
}

func (s *Service) markAsEvictedAndTryRemove(ev region.Event[Key, *Unit]) {
	logger := s.eventLogger(ev)
	logger.Debug("removing cached file on eviction")

	ev.Value.MarkEvicted()

	if err := s.storage.RemoveFile(context.Background(), ev.Value.cachePath); err != nil {
		logger.WithError(err).Error("removing evicted cache file")
	}
}

func (s *Service) removeDiscarded(ev region.Event[Key, *Unit]) {
	if !ev.Value.CachedFileExists() {
		return
	}

	logger := s.eventLogger(ev)
	if err := s.storage.RemoveFile(context.Background(), ev.Value.cachePath); err != nil {
		logger.WithError(err).Error("removing discarded cache file")
		return
	}

	logger.Debug("removed discarded cache file")
}

func (s *Service) eventLogger(ev region.Event[Key, *Unit]) logrus.FieldLogger {
	return s.logger.WithFields(logrus.Fields{
		"event":  ev.Type.String(),
		"key":    ev.Key.String(),
		"path":   ev.Value.Path(),
		"region": ev.Region,
	})
}
