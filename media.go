package runicorn

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Skydoge-zjm/Runicorn-sub000/internal/metrics"
)

// LogImage persists image under media/ and appends an "image" event
// referencing it by path relative to the run directory, so the viewer can
// serve it without touching the blob store — images are run-scoped media,
// not deduplicated assets.
//
// key groups related images across steps (e.g. "predictions", "confusion_matrix").
// format is the file extension without a dot ("png", "jpg"); it defaults to
// "png" when empty.
func (r *Run) LogImage(key string, image []byte, step *int, caption, format string) (string, error) {
	if format == "" {
		format = "png"
	}

	r.mu.Lock()
	if step != nil {
		r.step = int64(*step)
	} else {
		r.step++
	}
	curStep := r.step
	r.mu.Unlock()

	name, err := randomSuffix()
	if err != nil {
		return "", fmt.Errorf("runicorn: log image: %w", err)
	}
	fileName := fmt.Sprintf("%d_%s_%s.%s", time.Now().UnixMilli(), name, safeMediaKey(key), format)
	relPath := filepath.ToSlash(filepath.Join("media", fileName))
	fullPath := filepath.Join(r.dir, "media", fileName)

	if err := os.WriteFile(fullPath, image, 0o644); err != nil {
		return "", fmt.Errorf("runicorn: log image: write %q: %w", fullPath, err)
	}

	data := map[string]any{
		"key":         key,
		"path":        relPath,
		"global_step": curStep,
		"format":      format,
	}
	if caption != "" {
		data["caption"] = caption
	}

	ev := metrics.Event{Ts: float64(time.Now().UnixNano()) / 1e9, Type: "image", Data: data}
	if err := r.appendEvent(ev); err != nil {
		return "", err
	}
	return relPath, nil
}

func randomSuffix() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// safeMediaKey strips path separators from key so it can't escape the media
// directory when embedded in a file name.
func safeMediaKey(key string) string {
	out := make([]rune, 0, len(key))
	for _, c := range key {
		switch {
		case c == '/' || c == '\\' || c == '.':
			out = append(out, '_')
		default:
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return "image"
	}
	return string(out)
}
