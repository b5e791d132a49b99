package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"path"
	"strconv"
	"strings"

	"github.com/leejennwah/palette-engine/internal/apperr"
	"github.com/leejennwah/palette-engine/internal/job"
	"github.com/leejennwah/palette-engine/internal/processing"
)

// multipartMemory is how much of a multipart form is held in memory before
// file parts spill to disk.
const multipartMemory = 32 << 20

// createRequest is the JSON form of POST /jobs.
type createRequest struct {
	URLs        []string       `json:"urls,omitempty"`
	Zip         string         `json:"zip,omitempty"`
	Images      []imagePayload `json:"images,omitempty"`
	CallbackURL string         `json:"callback_url,omitempty"`
	TTLHours    *int           `json:"ttl_h,omitempty"`
}

type imagePayload struct {
	Filename string `json:"filename"`
	Data     string `json:"data"`
}

// CreateResponse is the body of an accepted submission.
type CreateResponse struct {
	JobID     string     `json:"job_id"`
	Status    job.Status `json:"status"`
	ETASecs   int        `json:"eta_s"`
	RequestID string     `json:"request_id"`
}

type upload struct {
	filename string
	data     []byte
}

// submission is a decoded request before any blob has been written.
type submission struct {
	archive     []byte
	urls        []string
	images      []upload
	callbackURL string
	ttlHours    int
	ttlSet      bool
}

func (s *submission) kinds() []job.InputKind {
	var kinds []job.InputKind
	if len(s.archive) > 0 {
		kinds = append(kinds, job.InputZip)
	}
	if len(s.urls) > 0 {
		kinds = append(kinds, job.InputURLs)
	}
	if len(s.images) > 0 {
		kinds = append(kinds, job.InputImages)
	}
	return kinds
}

// parseSubmission decodes body according to contentType.
func parseSubmission(contentType string, body []byte) (*submission, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, apperr.Newf(apperr.UnsupportedMediaType, "Send application/json or multipart/form-data.")
	}
	switch mediaType {
	case "application/json":
		return parseJSON(body)
	case "multipart/form-data":
		return parseMultipart(body, params["boundary"])
	}
	return nil, apperr.Newf(apperr.UnsupportedMediaType, "Send application/json or multipart/form-data.")
}

func parseJSON(body []byte) (*submission, error) {
	var req createRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return nil, &apperr.Error{Code: apperr.InvalidInput, Message: "The request body is not valid JSON.", Err: err}
	}

	sub := &submission{urls: cleanURLs(req.URLs), callbackURL: strings.TrimSpace(req.CallbackURL)}
	if req.TTLHours != nil {
		sub.ttlHours, sub.ttlSet = *req.TTLHours, true
	}
	if req.Zip != "" {
		data, err := decodeBase64(req.Zip)
		if err != nil {
			return nil, &apperr.Error{Code: apperr.InvalidInput, Message: "zip must be base64 encoded.", Err: err}
		}
		sub.archive = data
	}
	for i, img := range req.Images {
		data, err := decodeBase64(img.Data)
		if err != nil {
			return nil, &apperr.Error{Code: apperr.InvalidInput, Message: fmt.Sprintf("images[%d].data must be base64 encoded.", i), Err: err}
		}
		sub.images = append(sub.images, upload{filename: img.Filename, data: data})
	}
	return sub, nil
}

func parseMultipart(body []byte, boundary string) (*submission, error) {
	if boundary == "" {
		return nil, apperr.Newf(apperr.InvalidInput, "The multipart boundary is missing.")
	}
	form, err := multipart.NewReader(bytes.NewReader(body), boundary).ReadForm(multipartMemory)
	if err != nil {
		return nil, &apperr.Error{Code: apperr.InvalidInput, Message: "The multipart body could not be read.", Err: err}
	}
	defer form.RemoveAll()

	sub := &submission{callbackURL: strings.TrimSpace(first(form.Value["callback_url"]))}
	if raw := strings.TrimSpace(first(form.Value["ttl_h"])); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, apperr.Newf(apperr.InvalidInput, "ttl_h must be a whole number of hours.")
		}
		sub.ttlHours, sub.ttlSet = n, true
	}
	for _, v := range form.Value["urls"] {
		sub.urls = append(sub.urls, strings.FieldsFunc(v, func(r rune) bool {
			return r == '\n' || r == ',' || r == ' ' || r == '\r'
		})...)
	}
	sub.urls = cleanURLs(sub.urls)

	if files := form.File["zip_file"]; len(files) > 0 {
		if len(files) > 1 {
			return nil, apperr.Newf(apperr.InvalidInput, "Upload a single ZIP file.")
		}
		if sub.archive, err = readPart(files[0]); err != nil {
			return nil, err
		}
	}
	for _, fh := range form.File["images"] {
		data, err := readPart(fh)
		if err != nil {
			return nil, err
		}
		sub.images = append(sub.images, upload{filename: fh.Filename, data: data})
	}
	return sub, nil
}

// spec validates the submission and converts it into a job spec with
// content digests. Blob refs are filled in once the job ID is known.
func (s *submission) spec(requestID, idemKey string) (job.Spec, error) {
	kinds := s.kinds()
	switch len(kinds) {
	case 0:
		return job.Spec{}, apperr.New(apperr.NoInput, nil)
	case 1:
	default:
		return job.Spec{}, apperr.Newf(apperr.InvalidInput, "Provide exactly one of zip, images or urls.")
	}

	if s.ttlSet && (s.ttlHours < 1 || s.ttlHours > job.MaxTTLHours) {
		return job.Spec{}, apperr.Newf(apperr.InvalidInput, "ttl_h must be between 1 and %d.", job.MaxTTLHours)
	}

	spec := job.Spec{
		CallbackURL:    s.callbackURL,
		TTLHours:       s.ttlHours,
		RequestID:      requestID,
		IdempotencyKey: idemKey,
	}

	switch kinds[0] {
	case job.InputZip:
		if _, err := processing.ValidateArchive(s.archive); err != nil {
			return job.Spec{}, err
		}
		spec.Input = job.ZipInput("", digest(s.archive))
	case job.InputURLs:
		if err := processing.ValidateURLs(s.urls); err != nil {
			return job.Spec{}, err
		}
		spec.Input = job.URLInput(s.urls)
	case job.InputImages:
		if len(s.images) > processing.MaxImages {
			return job.Spec{}, apperr.Newf(apperr.InvalidInput, "Too many images: max %d per job.", processing.MaxImages)
		}
		refs := make([]job.ImageRef, len(s.images))
		for i, img := range s.images {
			name := path.Base(strings.ReplaceAll(img.filename, `\`, "/"))
			if name == "." || name == "/" || name == "" {
				name = fmt.Sprintf("image-%03d", i)
			}
			if err := processing.ValidateImage(name, img.data); err != nil {
				return job.Spec{}, err
			}
			refs[i] = job.ImageRef{Filename: name, SHA256: digest(img.data)}
		}
		spec.Input = job.ImageInput(refs)
	}

	if err := spec.Validate(); err != nil {
		return job.Spec{}, err
	}
	return spec, nil
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, &apperr.Error{Code: apperr.InvalidInput, Message: "An uploaded file could not be read.", Err: err}
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &apperr.Error{Code: apperr.InvalidInput, Message: "An uploaded file could not be read.", Err: err}
	}
	return data, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		_, after, ok := strings.Cut(s, ",")
		if !ok {
			return nil, errors.New("malformed data url")
		}
		s = after
	}
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func cleanURLs(in []string) []string {
	var out []string
	for _, u := range in {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
