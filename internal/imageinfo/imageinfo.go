// Package imageinfo probes image files for dimensions, format and the
// EXIF metadata forwarded to display agents.
package imageinfo

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"time"

	"github.com/rwcarlsen/goexif/exif"
)

// Info is the subset of probed data the catalog stores per photo.
type Info struct {
	Format      string
	Width       int
	Height      int
	CaptureDate *time.Time
}

// Probe decodes the image header at path. A decode failure means the
// file is not an image the loader understands; callers skip it.
func Probe(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("decode %q: %w", path, err)
	}

	info := &Info{Format: format, Width: cfg.Width, Height: cfg.Height}
	info.CaptureDate = captureDate(path)
	return info, nil
}

// captureDate extracts the EXIF original time, preserving the recorded
// UTC offset when the file carries one. GPS time is the fallback.
func captureDate(path string) *time.Time {
	x := decodeExif(path)
	if x == nil {
		return nil
	}

	if t, ok := originalTime(x); ok {
		return &t
	}

	if t, err := x.DateTime(); err == nil {
		return &t
	}

	return nil
}

const exifTimeLayout = "2006:01:02 15:04:05"

func originalTime(x *exif.Exif) (time.Time, bool) {
	tag, err := x.Get(exif.DateTimeOriginal)
	if err != nil {
		return time.Time{}, false
	}
	raw, err := tag.StringVal()
	if err != nil {
		return time.Time{}, false
	}

	loc := time.Local
	if offsetTag, err := x.Get("OffsetTimeOriginal"); err == nil {
		if offset, err := offsetTag.StringVal(); err == nil {
			if parsed, err := time.Parse("-07:00", offset); err == nil {
				_, seconds := parsed.Zone()
				loc = time.FixedZone(offset, seconds)
			}
		}
	}

	t, err := time.ParseInLocation(exifTimeLayout, raw, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Fields assembles the EXIF side-channel metadata included in the
// "info" payload sent alongside a photo. Missing files or files
// without EXIF yield an empty map.
func Fields(path string) map[string]any {
	fields := map[string]any{}

	x := decodeExif(path)
	if x == nil {
		return fields
	}

	if t, ok := originalTime(x); ok {
		fields["captureDateTime"] = t.Format(time.RFC3339)
	}

	camera := stringField(x, exif.Make)
	if model := stringField(x, exif.Model); model != "" {
		if camera != "" {
			camera += " "
		}
		camera += model
	}
	if camera != "" {
		fields["cameraMakeAndModel"] = camera
	}

	lens := stringField(x, "LensMake")
	if model := stringField(x, "LensModel"); model != "" {
		if lens != "" {
			lens += " "
		}
		lens += model
	}
	if lens != "" {
		fields["lensMakeAndModel"] = lens
	}

	if aperture, ok := ratioField(x, exif.FNumber); ok {
		fields["apertureSetting"] = fmt.Sprintf("f/%.1f", aperture)
	}
	if exposure, err := x.Get(exif.ExposureTime); err == nil {
		if num, den, err := exposure.Rat2(0); err == nil && den != 0 {
			fields["exposureSetting"] = fmt.Sprintf("%d/%d s", num, den)
		}
	}
	if iso, err := x.Get(exif.ISOSpeedRatings); err == nil {
		if value, err := iso.Int(0); err == nil {
			fields["isoSetting"] = fmt.Sprintf("ISO %d", value)
		}
	}
	if focal, ok := ratioField(x, exif.FocalLength); ok {
		fields["focalLengthSetting"] = fmt.Sprintf("%.1f mm", focal)
	}

	if lat, long, err := x.LatLong(); err == nil {
		fields["gpsLatitude"] = lat
		fields["gpsLongitude"] = long
	}
	if altitude, ok := ratioField(x, exif.GPSAltitude); ok {
		fields["gpsAltitude"] = altitude
	}

	return fields
}

func decodeExif(path string) *exif.Exif {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return nil
	}
	return x
}

func stringField(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	value, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return value
}

func ratioField(x *exif.Exif, name exif.FieldName) (float64, bool) {
	tag, err := x.Get(name)
	if err != nil {
		return 0, false
	}
	num, den, err := tag.Rat2(0)
	if err != nil || den == 0 {
		return 0, false
	}
	return float64(num) / float64(den), true
}
