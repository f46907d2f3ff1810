package manager

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
)

// Watch rescans the extension roots when their contents change and,
// optionally, on a cron schedule. It blocks until ctx is done. Newly
// discovered extensions are activated; removals and content changes are
// picked up on the next explicit reload.
func (m *Manager) Watch(ctx context.Context, schedule string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, root := range m.cfg.Roots {
		// Roots may not exist yet; fsnotify errors on them are non-fatal.
		if err := watcher.Add(root); err != nil {
			m.logger.Debug(ctx, "cannot watch root", "root", root, "error", err)
		}
	}

	rescan := make(chan struct{}, 1)
	poke := func() {
		select {
		case rescan <- struct{}{}:
		default:
		}
	}

	var schedRunner *cron.Cron
	if schedule != "" {
		schedRunner = cron.New()
		if _, err := schedRunner.AddFunc(schedule, poke); err != nil {
			return err
		}
		schedRunner.Start()
		defer schedRunner.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				poke()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn(ctx, "watch error", "error", err)
		case <-rescan:
			if _, err := m.Discover(ctx); err != nil {
				m.logger.Warn(ctx, "rescan failed", "error", err)
				continue
			}
			if err := m.LoadAll(ctx); err != nil {
				m.logger.Warn(ctx, "rescan load failed", "error", err)
			}
		}
	}
}
