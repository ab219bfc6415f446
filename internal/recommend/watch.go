package recommend

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch следит за файлом правил и подменяет таблицу в book при каждом изменении.
// Невалидный файл логируется, действующая таблица остается прежней.
// Работает до отмены ctx.
func Watch(ctx context.Context, path string, book *RuleBook, logger *zap.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Atomic save (temp + rename) и symlink-подмена ConfigMap заменяют сам файл,
	// и наблюдение за ним теряется. Поэтому смотрим на каталог и фильтруем по имени.
	path = filepath.Clean(path)
	name := filepath.Base(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	resolved, _ := filepath.EvalSymlinks(path)

	log := logger.Named("rules").With(zap.String("path", path))
	log.Info("watching rule table for changes")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			// ConfigMap меняет не сам файл, а цель симлинка (..data)
			current, _ := filepath.EvalSymlinks(path)
			if filepath.Base(event.Name) != name && current == resolved {
				continue
			}
			resolved = current

			rs, err := LoadRules(path)
			if err != nil {
				// Remove/Rename без замены: файла пока нет, ждем следующий Create
				log.Warn("rule reload failed, keeping previous table",
					zap.String("op", event.Op.String()), zap.Error(err))
				continue
			}
			book.Swap(rs)
			log.Info("rule table reloaded", zap.String("version", rs.Version), zap.Int("rules", len(rs.Rules)))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("rule watcher error", zap.Error(err))
		}
	}
}
