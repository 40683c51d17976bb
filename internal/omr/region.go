package omr

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"io"

	"github.com/sunshineplan/imgconv"
)

// ErrDecode is returned when a sheet image cannot be decoded.
var ErrDecode = errors.New("decode sheet image")

// RegionError reports a region whose crop came out empty.
type RegionError struct {
	Region string
	Rect   image.Rectangle
	Bounds image.Rectangle
}

func (e *RegionError) Error() string {
	return fmt.Sprintf("ROI for %s is invalid or empty (rect %v outside image %v)", e.Region, e.Rect, e.Bounds)
}

// Decode reads a sheet image in any format imgconv understands.
func Decode(r io.Reader) (image.Image, error) {
	img, err := imgconv.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: image has no pixels", ErrDecode)
	}
	return img, nil
}

// Extract crops every template region out of img and resizes it to the
// region's canonical size. Regions whose crop is empty are left out of the
// returned map and reported as *RegionError values.
func Extract(img image.Image, t Template) (map[string]image.Image, []error) {
	out := make(map[string]image.Image, len(t.Regions))
	var errs []error
	for _, r := range t.Regions {
		sub, err := crop(img, r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out[r.Name] = imgconv.Resize(sub, &imgconv.ResizeOption{Width: r.Width, Height: r.Height})
	}
	return out, errs
}

// crop slices the region out of img. Like array slicing, the rectangle is
// clipped to the image bounds first.
func crop(img image.Image, r Region) (image.Image, error) {
	b := img.Bounds()
	want := r.Rect.image().Add(b.Min)
	rect := want.Intersect(b)
	if rect.Empty() || r.Width <= 0 || r.Height <= 0 {
		return nil, &RegionError{Region: r.Name, Rect: want, Bounds: b}
	}

	if s, ok := img.(interface {
		SubImage(image.Rectangle) image.Image
	}); ok {
		return s.SubImage(rect), nil
	}
	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), img, rect.Min, draw.Src)
	return dst, nil
}
