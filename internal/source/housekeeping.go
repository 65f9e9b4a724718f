package source

import (
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Housekeeper periodically logs a stats line per live Source: cache size
// and subscriber count, cheap enough to run often and useful for spotting
// a Source that never disposes or a subscriber leak.
type Housekeeper struct {
	registry *Registry
	logger   *zap.Logger
	cron     *cron.Cron
}

// NewHousekeeper schedules a sweep on the given cron spec (standard
// 5-field crontab syntax, e.g. "*/1 * * * *" for once a minute).
func NewHousekeeper(registry *Registry, logger *zap.Logger, spec string) (*Housekeeper, error) {
	h := &Housekeeper{registry: registry, logger: logger, cron: cron.New()}
	if _, err := h.cron.AddFunc(spec, h.sweep); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Housekeeper) sweep() {
	for _, stat := range h.registry.Snapshot() {
		h.logger.Info("source stats",
			zap.String("view", stat.ViewName),
			zap.Int("subscribers", stat.SubscriberCount),
			zap.Int("cache_size", stat.CacheSize),
			zap.Uint64("latest_timestamp", stat.LatestTimestamp),
		)
	}
}

// Start begins the scheduled sweeps; non-blocking.
func (h *Housekeeper) Start() { h.cron.Start() }

// Stop halts scheduling and waits for any in-flight sweep to finish.
func (h *Housekeeper) Stop() { <-h.cron.Stop().Done() }
