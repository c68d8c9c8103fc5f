package render

import (
	"bytes"
	"fmt"
	"io"

	"github.com/disintegration/imaging"
)

const (
	ThumbnailSize = 256
	maxUploadSize = 8 << 20
)

// NormalizeImage decodes an uploaded image, applies its EXIF orientation and
// fits it into a ThumbnailSize square. The result is always PNG.
func NormalizeImage(r io.Reader) ([]byte, error) {
	img, err := imaging.Decode(io.LimitReader(r, maxUploadSize), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	thumb := imaging.Fit(img, ThumbnailSize, ThumbnailSize, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
