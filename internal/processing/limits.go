package processing

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/leejennwah/palette-engine/internal/apperr"
	"github.com/leejennwah/palette-engine/internal/palette"
)

// Input limits.
const (
	MinArchiveBytes = 22
	MaxArchiveBytes = 500 << 20
	MaxImages       = 50
	MaxURLs         = 50
	MaxURLBytes     = 50 << 20
	URLFetchTimeout = 30 * time.Second
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

var imageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// IsImageName reports whether a file name carries a supported image
// extension.
func IsImageName(name string) bool {
	return imageExtensions[strings.ToLower(path.Ext(name))]
}

// unsafePath reports archive entry names that could escape the extraction
// root.
func unsafePath(name string) bool {
	if strings.HasPrefix(name, "/") || strings.Contains(name, `\`) {
		return true
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

// SniffImage checks the leading bytes of data and returns its media type
// when it is a supported image format.
func SniffImage(data []byte) (string, error) {
	ct := http.DetectContentType(data)
	if !imageTypes[ct] {
		return "", apperr.Newf(apperr.UnsupportedMediaType, "Unsupported image format %q.", ct)
	}
	return ct, nil
}

// ValidateArchive checks a ZIP upload before a job is created and returns
// the number of images it holds. Archives containing entries that would
// escape the extraction directory are rejected outright.
func ValidateArchive(data []byte) (int, error) {
	entries, err := archiveImages(data)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

func archiveImages(data []byte) ([]*zip.File, error) {
	if len(data) < MinArchiveBytes {
		return nil, apperr.Newf(apperr.InvalidInput, "Invalid ZIP file: too small.")
	}
	if len(data) > MaxArchiveBytes {
		return nil, apperr.Newf(apperr.PayloadTooLarge, "ZIP too large: exceeds %dMB limit.", MaxArchiveBytes>>20)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if errors.Is(err, zip.ErrInsecurePath) {
		return nil, apperr.New(apperr.ZipTraversal, err)
	}
	if err != nil {
		return nil, apperr.New(apperr.InvalidInput, fmt.Errorf("open archive: %w", err))
	}

	var images []*zip.File
	for _, f := range zr.File {
		if unsafePath(f.Name) {
			return nil, apperr.New(apperr.ZipTraversal, fmt.Errorf("unsafe entry %q", f.Name))
		}
		if f.FileInfo().IsDir() || !IsImageName(f.Name) {
			continue
		}
		images = append(images, f)
	}

	if len(images) == 0 {
		return nil, apperr.Newf(apperr.NoInput, "No valid images found in ZIP.")
	}
	if len(images) > MaxImages {
		return nil, apperr.Newf(apperr.InvalidInput, "Too many images: max %d per ZIP.", MaxImages)
	}
	return images, nil
}

// ValidateURLs checks a URL list before a job is created.
func ValidateURLs(urls []string) error {
	if len(urls) == 0 {
		return apperr.New(apperr.NoInput, nil)
	}
	if len(urls) > MaxURLs {
		return apperr.Newf(apperr.InvalidInput, "Too many URLs: max %d per job.", MaxURLs)
	}
	for _, raw := range urls {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
			return apperr.Newf(apperr.InvalidInput, "Only absolute HTTP/HTTPS URLs are allowed.")
		}
	}
	return nil
}

// ValidateImage checks a single uploaded image.
func ValidateImage(name string, data []byte) error {
	if len(data) == 0 {
		return apperr.Newf(apperr.NoInput, "Image %q is empty.", name)
	}
	if len(data) > MaxURLBytes {
		return apperr.Newf(apperr.PayloadTooLarge, "Image %q exceeds %dMB.", name, MaxURLBytes>>20)
	}
	if _, err := SniffImage(data); err != nil {
		return err
	}
	return checkDimensions(name, data)
}

// checkDimensions rejects images declaring more pixels than can be safely
// decoded. Unreadable headers are left for the processor to report.
func checkDimensions(name string, data []byte) error {
	w, h, err := palette.CheckDimensions(data)
	if errors.Is(err, palette.ErrTooManyPixels) {
		return apperr.Newf(apperr.PayloadTooLarge, "Image %q is %dx%d pixels, above the %d megapixel limit.",
			name, w, h, palette.MaxDecodePixels/1_000_000)
	}
	return nil
}
