package catalog

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"

	"github.com/rendis/flowpilot/internal/logging"
)

// Watch invalidates cached definitions whose files in dir change, so the
// next Load picks up the edit. It blocks until ctx ends.
func (c *Catalog) Watch(ctx context.Context, dir string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	c.logger.InfoContext(ctx, "watching definitions", "dir", dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			serviceType, ok := ServiceTypeForPath(ev.Name)
			if !ok {
				continue
			}
			if _, cached := c.Get(serviceType); cached {
				c.Invalidate(serviceType)
				c.logger.InfoContext(ctx, "definition invalidated",
					logging.AttrServiceType, serviceType, "op", ev.Op.String())
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.WarnContext(ctx, "definition watcher error", "error", err)
		}
	}
}
