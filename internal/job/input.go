package job

import (
	"fmt"
	"net/url"
	"strings"
)

// InputKind tags the variant held by an Input.
type InputKind string

const (
	InputZip    InputKind = "zip"
	InputURLs   InputKind = "urls"
	InputImages InputKind = "images"
)

// ImageRef points at an uploaded image held in the blob store.
type ImageRef struct {
	Filename string `json:"filename"`
	Ref      string `json:"ref"`
	SHA256   string `json:"sha256"`
}

// Input is the job's work description. Exactly one of the variant fields is
// populated, selected by Kind.
type Input struct {
	Kind          InputKind  `json:"kind"`
	ArchiveRef    string     `json:"archive_ref,omitempty"`
	ArchiveSHA256 string     `json:"archive_sha256,omitempty"`
	URLs          []string   `json:"urls,omitempty"`
	Images        []ImageRef `json:"images,omitempty"`
}

// ZipInput builds a ZIP upload input.
func ZipInput(ref, digest string) Input {
	return Input{Kind: InputZip, ArchiveRef: ref, ArchiveSHA256: digest}
}

// URLInput builds a URL list input.
func URLInput(urls []string) Input {
	return Input{Kind: InputURLs, URLs: urls}
}

// ImageInput builds an uploaded image list input.
func ImageInput(images []ImageRef) Input {
	return Input{Kind: InputImages, Images: images}
}

// Validate checks that the variant is well formed. Blob refs are not
// required here because they are assigned after the request is accepted.
func (in Input) Validate() error {
	switch in.Kind {
	case InputZip:
		if in.ArchiveRef == "" && in.ArchiveSHA256 == "" {
			return fmt.Errorf("%w: zip archive is empty", ErrNoInput)
		}
	case InputURLs:
		if len(in.URLs) == 0 {
			return fmt.Errorf("%w: url list is empty", ErrNoInput)
		}
		for _, raw := range in.URLs {
			u, err := url.Parse(strings.TrimSpace(raw))
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("%w: unsupported url %q", ErrInvalidInput, raw)
			}
		}
	case InputImages:
		if len(in.Images) == 0 {
			return fmt.Errorf("%w: image list is empty", ErrNoInput)
		}
		for _, img := range in.Images {
			if img.Filename == "" {
				return fmt.Errorf("%w: image filename is required", ErrInvalidInput)
			}
		}
	case "":
		return ErrNoInput
	default:
		return fmt.Errorf("%w: unknown input kind %q", ErrInvalidInput, in.Kind)
	}
	return nil
}

// Refs lists the blob references owned by this input.
func (in Input) Refs() []string {
	var refs []string
	switch in.Kind {
	case InputZip:
		if in.ArchiveRef != "" {
			refs = append(refs, in.ArchiveRef)
		}
	case InputImages:
		for _, img := range in.Images {
			if img.Ref != "" {
				refs = append(refs, img.Ref)
			}
		}
	}
	return refs
}

// Count returns the number of declared items, or 0 when unknown until the
// archive is opened.
func (in Input) Count() int {
	switch in.Kind {
	case InputURLs:
		return len(in.URLs)
	case InputImages:
		return len(in.Images)
	}
	return 0
}

func (in Input) clone() Input {
	c := in
	if in.URLs != nil {
		c.URLs = append([]string(nil), in.URLs...)
	}
	if in.Images != nil {
		c.Images = append([]ImageRef(nil), in.Images...)
	}
	return c
}
