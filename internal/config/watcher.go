package config

import (
	"context"
	"os"
	"reflect"
	"slices"
	"sync"
	"time"

	"chatrelay/internal/clock"
	"chatrelay/internal/models"

	"github.com/sirupsen/logrus"
)

// DefaultWatchInterval is how often the config file is checked.
const DefaultWatchInterval = 5 * time.Second

// Change describes one successful reload. DropRate and LogLevel apply
// live; RestartRequired lists the changed sections that only take effect
// on the next start.
type Change struct {
	Old, New        *models.Config
	DropRate        bool
	LogLevel        bool
	RestartRequired []string
}

// Diff compares two configurations section by section.
func Diff(old, next *models.Config) Change {
	c := Change{Old: old, New: next}
	if old == nil || next == nil {
		return c
	}
	c.DropRate = old.Delivery.DropRate != next.Delivery.DropRate
	c.LogLevel = old.LogLevel != next.LogLevel

	oldDelivery, newDelivery := old.Delivery, next.Delivery
	oldDelivery.DropRate, newDelivery.DropRate = 0, 0
	sections := []struct {
		name      string
		old, next any
	}{
		{"server", old.Server, next.Server},
		{"database", old.Database, next.Database},
		{"redis", old.Redis, next.Redis},
		{"delivery", oldDelivery, newDelivery},
		{"signaling", old.Signaling, next.Signaling},
		{"retention", old.Retention, next.Retention},
		{"tracing", old.Tracing, next.Tracing},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.next) {
			c.RestartRequired = append(c.RestartRequired, s.name)
		}
	}
	return c
}

// WatcherOptions tune a Watcher. Zero values take defaults.
type WatcherOptions struct {
	Interval time.Duration
	Clock    clock.Clock
	Logger   *logrus.Logger
}

// Watcher polls the configuration file and hands every successful reload
// to its subscribers. A file that fails to load or validate is logged and
// the previous configuration stays current.
type Watcher struct {
	path   string
	opts   WatcherOptions
	logger *logrus.Logger

	mu      sync.RWMutex
	current *models.Config
	subs    []func(Change)
	modTime time.Time
	size    int64
}

func NewWatcher(path string, opts WatcherOptions) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = DefaultWatchInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Watcher{path: path, opts: opts, logger: opts.Logger}
}

// Subscribe registers fn for future reloads.
func (w *Watcher) Subscribe(fn func(Change)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subs = append(w.subs, fn)
}

// Current returns the last configuration that loaded successfully.
func (w *Watcher) Current() *models.Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run loads the file once and then polls until ctx is done. Only the
// initial load can fail.
func (w *Watcher) Run(ctx context.Context) error {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		return err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.current = cfg
	w.modTime, w.size = info.ModTime(), info.Size()
	w.mu.Unlock()

	log := w.logger.WithField("path", w.path)
	log.Info("Configuration watcher started")

	ticker := w.opts.Clock.NewTicker(w.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug("Configuration watcher stopping")
			return nil
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check reloads the file if its size or modification time moved and
// reports whether a new configuration was applied.
func (w *Watcher) Check() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.WithError(err).Warn("Failed to stat configuration file")
		return false
	}

	w.mu.RLock()
	unchanged := info.ModTime().Equal(w.modTime) && info.Size() == w.size
	w.mu.RUnlock()
	if unchanged {
		return false
	}

	next, err := LoadConfig(w.path)

	w.mu.Lock()
	w.modTime, w.size = info.ModTime(), info.Size()
	if err != nil {
		w.mu.Unlock()
		w.logger.WithError(err).Error("Failed to reload configuration, keeping previous")
		return false
	}
	change := Diff(w.current, next)
	w.current = next
	subs := slices.Clone(w.subs)
	w.mu.Unlock()

	w.report(change)
	for _, fn := range subs {
		w.notify(fn, change)
	}
	return true
}

func (w *Watcher) notify(fn func(Change), change Change) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.WithField("panic", r).Error("Configuration subscriber panicked")
		}
	}()
	fn(change)
}

func (w *Watcher) report(c Change) {
	fields := logrus.Fields{}
	if c.DropRate {
		fields["drop_rate"] = c.New.Delivery.DropRate
	}
	if c.LogLevel {
		fields["log_level"] = c.New.LogLevel
	}
	w.logger.WithFields(fields).Info("Configuration reloaded")

	if len(c.RestartRequired) > 0 {
		w.logger.WithField("sections", c.RestartRequired).Warn("Changed settings take effect after restart")
	}
}
