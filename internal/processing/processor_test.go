package processing

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leejennwah/palette-engine/internal/apperr"
	"github.com/leejennwah/palette-engine/internal/job"
	"github.com/leejennwah/palette-engine/internal/palette"
	"github.com/leejennwah/palette-engine/internal/storage"
)

type memBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemBlobs() *memBlobs { return &memBlobs{data: make(map[string][]byte)} }

func (b *memBlobs) Read(_ context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.data[key]
	if !ok {
		return nil, storage.ErrBlobNotFound
	}
	return d, nil
}

func (b *memBlobs) Write(_ context.Context, key string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = data
	return key, nil
}

func (b *memBlobs) URL(key string) string { return "http://blobs.test/" + key }

func pngBytes(t *testing.T, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for x := 0; x < 32; x++ {
		for y := 0; y < 32; y++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func zipBytes(t *testing.T, files map[string][]byte, order []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range order {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create entry: %v", err)
		}
		if _, err := w.Write(files[name]); err != nil {
			t.Fatalf("write entry: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

// headerOnlyPNG returns a PNG signature and IHDR chunk declaring w x h RGB
// pixels with no image data behind it.
func headerOnlyPNG(w, h uint32) []byte {
	ihdr := make([]byte, 13)
	binary.BigEndian.PutUint32(ihdr[0:4], w)
	binary.BigEndian.PutUint32(ihdr[4:8], h)
	ihdr[8], ihdr[9] = 8, 2

	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(ihdr)))
	chunk := append([]byte("IHDR"), ihdr...)
	buf.Write(chunk)
	_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(chunk))
	return buf.Bytes()
}

func newZipJob(t *testing.T, blobs *memBlobs, archive []byte) *job.Job {
	t.Helper()
	id := uuid.New()
	key := storage.ArchiveKey(id)
	if _, err := blobs.Write(context.Background(), key, archive); err != nil {
		t.Fatal(err)
	}
	return &job.Job{ID: id, Status: job.StatusProcessing, Input: job.ZipInput(key, "digest")}
}

func newProcessor(blobs *memBlobs, policy BatchPolicy) *Processor {
	return NewProcessor(blobs, palette.NewExtractor(), NewFetcher(true), policy, zap.NewNop())
}

func TestProcess_ZipHappyPath(t *testing.T) {
	blobs := newMemBlobs()
	files := map[string][]byte{
		"a.png":      pngBytes(t, color.NRGBA{R: 255, A: 255}),
		"dir/b.png":  pngBytes(t, color.NRGBA{G: 255, A: 255}),
		"c.PNG":      pngBytes(t, color.NRGBA{B: 255, A: 255}),
		"readme.txt": []byte("ignored"),
	}
	j := newZipJob(t, blobs, zipBytes(t, files, []string{"a.png", "dir/b.png", "c.PNG", "readme.txt"}))

	var reported []int
	results, itemErrs, err := newProcessor(blobs, BestEffort).Process(context.Background(), j, func(_ context.Context, pct int) error {
		reported = append(reported, pct)
		return nil
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(results) != 3 || len(itemErrs) != 0 {
		t.Fatalf("expected 3 results and no item errors, got %d/%d", len(results), len(itemErrs))
	}
	for _, r := range results {
		if len(r.Palette) == 0 {
			t.Errorf("%s: empty palette", r.Filename)
		}
		if !strings.HasPrefix(r.PreviewRef, "http://blobs.test/jobs/"+j.ID.String()+"/preview/") {
			t.Errorf("%s: unexpected preview ref %q", r.Filename, r.PreviewRef)
		}
	}
	if results[0].Palette[0] != (job.Color{255, 0, 0}) {
		t.Errorf("expected pure red palette, got %v", results[0].Palette)
	}
	if len(reported) != 3 || reported[2] != 100 {
		t.Errorf("unexpected progress reports %v", reported)
	}
	for i := 1; i < len(reported); i++ {
		if reported[i] < reported[i-1] {
			t.Errorf("progress went backwards: %v", reported)
		}
	}
}

func corruptBatch(t *testing.T) []byte {
	files := map[string][]byte{}
	var order []string
	for _, name := range []string{"1.png", "2.png", "3.png", "4.png"} {
		files[name] = pngBytes(t, color.NRGBA{R: 10, G: 200, B: 10, A: 255})
		order = append(order, name)
	}
	files["broken.png"] = []byte("\x89PNG\r\n\x1a\nthis is not really a png")
	order = append(order, "broken.png")
	return zipBytes(t, files, order)
}

func TestProcess_BestEffortRecordsItemErrors(t *testing.T) {
	blobs := newMemBlobs()
	j := newZipJob(t, blobs, corruptBatch(t))

	results, itemErrs, err := newProcessor(blobs, BestEffort).Process(context.Background(), j, nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(results) != 4 {
		t.Errorf("expected 4 results, got %d", len(results))
	}
	if len(itemErrs) != 1 || itemErrs[0].Filename != "broken.png" {
		t.Fatalf("expected one item error for broken.png, got %+v", itemErrs)
	}
	if itemErrs[0].Code != string(apperr.ProcessingError) {
		t.Errorf("unexpected item error code %s", itemErrs[0].Code)
	}
}

func TestProcess_AllOrNothingFailsJob(t *testing.T) {
	blobs := newMemBlobs()
	j := newZipJob(t, blobs, corruptBatch(t))

	_, _, err := newProcessor(blobs, AllOrNothing).Process(context.Background(), j, nil)
	if apperr.CodeOf(err) != apperr.ProcessingError {
		t.Fatalf("expected PROCESSING_ERROR, got %v", err)
	}
	if !strings.Contains(apperr.From(err).Message, "broken.png") {
		t.Errorf("expected failing item in message, got %q", apperr.From(err).Message)
	}
}

func TestProcess_AllItemsFail(t *testing.T) {
	blobs := newMemBlobs()
	files := map[string][]byte{"x.png": []byte("garbage"), "y.jpg": []byte("garbage")}
	j := newZipJob(t, blobs, zipBytes(t, files, []string{"x.png", "y.jpg"}))

	_, itemErrs, err := newProcessor(blobs, BestEffort).Process(context.Background(), j, nil)
	if apperr.CodeOf(err) != apperr.ProcessingError {
		t.Fatalf("expected PROCESSING_ERROR, got %v", err)
	}
	if len(itemErrs) != 2 {
		t.Errorf("expected 2 item errors, got %d", len(itemErrs))
	}
}

func TestProcess_ZipTraversal(t *testing.T) {
	blobs := newMemBlobs()
	files := map[string][]byte{
		"ok.png":          pngBytes(t, color.NRGBA{R: 1, A: 255}),
		"../../etc/x.png": pngBytes(t, color.NRGBA{R: 1, A: 255}),
	}
	j := newZipJob(t, blobs, zipBytes(t, files, []string{"ok.png", "../../etc/x.png"}))

	_, _, err := newProcessor(blobs, BestEffort).Process(context.Background(), j, nil)
	if apperr.CodeOf(err) != apperr.ZipTraversal {
		t.Fatalf("expected ZIP_TRAVERSAL, got %v", err)
	}
}

func TestProcess_ProgressErrorStops(t *testing.T) {
	blobs := newMemBlobs()
	files := map[string][]byte{
		"a.png": pngBytes(t, color.NRGBA{R: 255, A: 255}),
		"b.png": pngBytes(t, color.NRGBA{G: 255, A: 255}),
	}
	j := newZipJob(t, blobs, zipBytes(t, files, []string{"a.png", "b.png"}))

	calls := 0
	_, _, err := newProcessor(blobs, BestEffort).Process(context.Background(), j, func(context.Context, int) error {
		calls++
		return job.ErrNotProcessing
	})
	if !errors.Is(err, job.ErrNotProcessing) {
		t.Fatalf("expected ErrNotProcessing, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected processing to stop after first report, got %d calls", calls)
	}
}

func TestProcess_ImageUploads(t *testing.T) {
	blobs := newMemBlobs()
	id := uuid.New()
	ref, _ := blobs.Write(context.Background(), storage.ImageKey(id, 0), pngBytes(t, color.NRGBA{B: 200, A: 255}))
	j := &job.Job{ID: id, Status: job.StatusProcessing, Input: job.ImageInput([]job.ImageRef{{Filename: "sky.png", Ref: ref}})}

	results, _, err := newProcessor(blobs, BestEffort).Process(context.Background(), j, nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(results) != 1 || results[0].Filename != "sky.png" {
		t.Errorf("unexpected results %+v", results)
	}
}

func TestProcess_URLs(t *testing.T) {
	img := pngBytes(t, color.NRGBA{R: 255, G: 255, A: 255})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			w.Header().Set("Content-Type", "image/png")
			w.Write(img)
		case "/page":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html></html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	blobs := newMemBlobs()
	j := &job.Job{ID: uuid.New(), Status: job.StatusProcessing, Input: job.URLInput([]string{
		srv.URL + "/ok.png", srv.URL + "/page", srv.URL + "/missing",
	})}

	results, itemErrs, err := newProcessor(blobs, BestEffort).Process(context.Background(), j, nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected 1 result, got %d", len(results))
	}
	if len(itemErrs) != 2 {
		t.Fatalf("expected 2 item errors, got %+v", itemErrs)
	}
	if itemErrs[0].Code != string(apperr.UnsupportedMediaType) {
		t.Errorf("expected UNSUPPORTED_MEDIA_TYPE for html page, got %s", itemErrs[0].Code)
	}
	if itemErrs[1].Code != string(apperr.ProcessingError) {
		t.Errorf("expected PROCESSING_ERROR for 404, got %s", itemErrs[1].Code)
	}
}

func TestFetcher_RejectsPrivateAddresses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
	}))
	defer srv.Close()

	_, err := NewFetcher(false).Fetch(context.Background(), srv.URL+"/x.png")
	if apperr.CodeOf(err) != apperr.InvalidInput {
		t.Fatalf("expected INVALID_INPUT for loopback target, got %v", err)
	}
}

func TestFetcher_SizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(bytes.Repeat([]byte{0}, 2048))
	}))
	defer srv.Close()

	f := NewFetcher(true)
	f.maxBytes = 1024
	_, err := f.Fetch(context.Background(), srv.URL)
	if apperr.CodeOf(err) != apperr.PayloadTooLarge {
		t.Fatalf("expected PAYLOAD_TOO_LARGE, got %v", err)
	}
}

func TestProcess_OversizedImageIsItemError(t *testing.T) {
	blobs := newMemBlobs()
	archive := zipBytes(t, map[string][]byte{
		"ok.png":   pngBytes(t, color.NRGBA{R: 200, A: 255}),
		"bomb.png": headerOnlyPNG(60000, 60000),
	}, []string{"ok.png", "bomb.png"})
	j := newZipJob(t, blobs, archive)

	results, itemErrs, err := newProcessor(blobs, BestEffort).Process(context.Background(), j, nil)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(results) != 1 {
		t.Errorf("expected 1 result, got %d", len(results))
	}
	if len(itemErrs) != 1 || itemErrs[0].Code != string(apperr.PayloadTooLarge) {
		t.Errorf("expected PAYLOAD_TOO_LARGE for bomb.png, got %+v", itemErrs)
	}
}
