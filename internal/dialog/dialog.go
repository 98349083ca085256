// Package dialog shows native file-save and source-choice dialogs.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/ncruces/zenity"

	"github.com/breeze-rmm/deskcap/internal/screen"
)

// ErrCancelled means the user dismissed the dialog. It is a valid outcome,
// not a failure.
var ErrCancelled = errors.New("dialog: cancelled")

// Zenity shows dialogs through the platform's native toolkit.
type Zenity struct {
	Title string
}

// SaveFile asks for a destination path, prefilled with suggested.
func (z Zenity) SaveFile(ctx context.Context, suggested string) (string, error) {
	opts := []zenity.Option{
		zenity.Context(ctx),
		zenity.Title(z.title("Save recording")),
		zenity.ConfirmOverwrite(),
	}
	if suggested != "" {
		opts = append(opts, zenity.Filename(suggested))
		if ext := filepath.Ext(suggested); ext != "" {
			opts = append(opts, zenity.FileFilter{Name: ext[1:] + " files", Patterns: []string{"*" + ext}})
		}
	}
	path, err := zenity.SelectFileSave(opts...)
	return path, mapErr(err)
}

// ChooseSource lets the user pick one of candidates.
func (z Zenity) ChooseSource(ctx context.Context, candidates []screen.Source) (screen.Source, error) {
	if len(candidates) == 0 {
		return screen.Source{}, ErrCancelled
	}
	items := make([]string, len(candidates))
	byLabel := make(map[string]screen.Source, len(candidates))
	for i, c := range candidates {
		label := sourceLabel(c)
		if _, dup := byLabel[label]; dup {
			label = fmt.Sprintf("%s (%s)", label, c.ID)
		}
		items[i] = label
		byLabel[label] = c
	}

	choice, err := zenity.List("Choose what to capture", items,
		zenity.Context(ctx),
		zenity.Title(z.title("Capture source")),
		zenity.DisallowEmpty(),
	)
	if err != nil {
		return screen.Source{}, mapErr(err)
	}
	src, ok := byLabel[choice]
	if !ok {
		return screen.Source{}, ErrCancelled
	}
	return src, nil
}

func (z Zenity) title(fallback string) string {
	if z.Title != "" {
		return z.Title
	}
	return fallback
}

func sourceLabel(s screen.Source) string {
	if s.Kind == screen.KindWindow {
		return "Window: " + s.Name
	}
	return s.Name
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, zenity.ErrCanceled), errors.Is(err, context.Canceled):
		return ErrCancelled
	default:
		return fmt.Errorf("dialog: %w", err)
	}
}
