package image

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	// Decoders for the formats browsers commonly upload.
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/apex/log"
	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/image/draw"
)

const jpegQuality = 90

// ErrEmptyImage is returned for a zero-length upload.
var ErrEmptyImage = errors.New("image data is empty")

// ErrTooManyPixels is returned when the image header declares more pixels than allowed.
var ErrTooManyPixels = errors.New("image has too many pixels")

// GetImageOrientation extracts the EXIF orientation, defaulting to 1 when absent.
func GetImageOrientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}

	orientation, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}

	orientVal, err := orientation.Int(0)
	if err != nil || orientVal < 1 || orientVal > 8 {
		return 1
	}

	return orientVal
}

// CorrectImageOrientation returns img transformed so that it displays upright
// for the given EXIF orientation.
func CorrectImageOrientation(img image.Image, orientation int) image.Image {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	var dstW, dstH int
	var mapPoint func(x, y int) (int, int)

	switch orientation {
	case 2: // flip horizontal
		dstW, dstH = width, height
		mapPoint = func(x, y int) (int, int) { return width - 1 - x, y }
	case 3: // rotate 180
		dstW, dstH = width, height
		mapPoint = func(x, y int) (int, int) { return width - 1 - x, height - 1 - y }
	case 4: // flip vertical
		dstW, dstH = width, height
		mapPoint = func(x, y int) (int, int) { return x, height - 1 - y }
	case 5: // transpose
		dstW, dstH = height, width
		mapPoint = func(x, y int) (int, int) { return y, x }
	case 6: // rotate 90 clockwise
		dstW, dstH = height, width
		mapPoint = func(x, y int) (int, int) { return height - 1 - y, x }
	case 7: // transverse
		dstW, dstH = height, width
		mapPoint = func(x, y int) (int, int) { return height - 1 - y, width - 1 - x }
	case 8: // rotate 90 counter-clockwise
		dstW, dstH = height, width
		mapPoint = func(x, y int) (int, int) { return y, width - 1 - x }
	default:
		return img
	}

	newImg := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dx, dy := mapPoint(x, y)
			newImg.Set(dx, dy, img.At(bounds.Min.X+x, bounds.Min.Y+y))
		}
	}
	return newImg
}

// Prepare decodes an uploaded image, applies its EXIF orientation, scales it so that
// neither side exceeds maxDimension (0 disables scaling) and re-encodes it as JPEG.
// Images whose header declares more than maxPixels pixels are rejected before any
// pixel data is decoded (0 disables the check).
func Prepare(data []byte, maxDimension int, maxPixels int64) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); maxPixels > 0 && pixels > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooManyPixels, cfg.Width, cfg.Height, maxPixels)
	}

	orientation := GetImageOrientation(data)

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	if orientation != 1 {
		img = CorrectImageOrientation(img, orientation)
		log.Debugf("Applied orientation correction: %d", orientation)
	}

	bounds := img.Bounds()
	originalWidth := bounds.Dx()
	originalHeight := bounds.Dy()
	newWidth, newHeight := fitWithin(originalWidth, originalHeight, maxDimension)

	// Flatten onto white so transparent PNGs do not turn black in JPEG.
	newImg := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.Draw(newImg, newImg.Bounds(), image.White, image.Point{}, draw.Src)
	if newWidth == originalWidth && newHeight == originalHeight {
		draw.Draw(newImg, newImg.Bounds(), img, bounds.Min, draw.Over)
	} else {
		draw.ApproxBiLinear.Scale(newImg, newImg.Bounds(), img, bounds, draw.Over, nil)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, newImg, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode prepared image: %w", err)
	}

	log.Debugf("Image prepared: %s %d bytes -> jpeg %d bytes (original: %dx%d, new: %dx%d, orientation: %d)",
		format, len(data), buf.Len(), originalWidth, originalHeight, newWidth, newHeight, orientation)

	return buf.Bytes(), nil
}

// fitWithin scales width and height down to fit a maxDimension box, preserving aspect ratio.
func fitWithin(width, height, maxDimension int) (int, int) {
	if maxDimension <= 0 || (width <= maxDimension && height <= maxDimension) {
		return width, height
	}

	scale := float64(maxDimension) / float64(width)
	if scaleY := float64(maxDimension) / float64(height); scaleY < scale {
		scale = scaleY
	}

	newWidth := int(float64(width) * scale)
	newHeight := int(float64(height) * scale)
	if newWidth < 1 {
		newWidth = 1
	}
	if newHeight < 1 {
		newHeight = 1
	}
	if newWidth > maxDimension {
		newWidth = maxDimension
	}
	if newHeight > maxDimension {
		newHeight = maxDimension
	}
	return newWidth, newHeight
}
