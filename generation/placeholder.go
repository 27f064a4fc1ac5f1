package generation

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
)

const placeholderSide = 512

// writePlaceholderImage renders a flat gray square at path. Placeholder
// files carry a distinct name suffix so they never count as real artifacts.
func writePlaceholderImage(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("generation: prepare placeholder dir: %w", err)
	}

	img := image.NewRGBA(image.Rect(0, 0, placeholderSide, placeholderSide))
	gray := color.RGBA{R: 200, G: 200, B: 200, A: 255}
	for y := 0; y < placeholderSide; y++ {
		for x := 0; x < placeholderSide; x++ {
			img.Set(x, y, gray)
		}
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("generation: create placeholder image: %w", err)
	}
	defer out.Close()

	if err := png.Encode(out, img); err != nil {
		return fmt.Errorf("generation: encode placeholder image: %w", err)
	}
	return nil
}

// writePlaceholderVideo drops an empty marker file so the expression slot
// stays addressable while a real clip is pending.
func writePlaceholderVideo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("generation: prepare placeholder dir: %w", err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return fmt.Errorf("generation: create placeholder video: %w", err)
	}
	return nil
}
