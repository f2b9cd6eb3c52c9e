package artifacts

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

const maxThumbnailWidth = 1920

// Thumbnail renders a PNG of screenshot name scaled to width, keeping the aspect ratio.
func (s *Store) Thumbnail(key, name string, width int) ([]byte, error) {
	path, err := s.ScreenshotPath(key, name)
	if err != nil {
		return nil, err
	}
	if width <= 0 {
		width = 320
	}
	if width > maxThumbnailWidth {
		width = maxThumbnailWidth
	}

	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
