// Script seed pushes sample palette jobs to the API for development and
// waits for them to finish.
package main

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"log"
	"os"

	"github.com/leejennwah/palette-engine/internal/retry"
	"github.com/leejennwah/palette-engine/pkg/client"
)

func main() {
	apiURL := getEnv("API_URL", "http://localhost:8080")
	var opts []client.Option
	if secret := os.Getenv("SIGNATURE_SECRET"); secret != "" {
		opts = append(opts, client.WithSigningSecret(secret))
	}
	c := client.New(apiURL, opts...)
	ctx := context.Background()

	swatches := []color.RGBA{
		{R: 220, G: 40, B: 40, A: 255},
		{R: 40, G: 160, B: 60, A: 255},
		{R: 30, G: 70, B: 200, A: 255},
		{R: 240, G: 200, B: 30, A: 255},
	}

	// Seed image uploads.
	for i, sw := range swatches {
		resp, err := c.SubmitJob(ctx, &client.SubmitRequest{
			Images:         []client.Image{{Filename: fmt.Sprintf("swatch-%d.png", i), Data: striped(sw)}},
			IdempotencyKey: fmt.Sprintf("seed-image-%d", i),
		})
		if err != nil {
			log.Printf("failed to submit image job %d: %v", i, err)
			continue
		}
		fmt.Printf("submitted job %s (images, eta=%ds)\n", resp.JobID, resp.ETASecs)
	}

	// Seed one archive holding every swatch.
	archive, err := zipOf(swatches)
	if err != nil {
		log.Fatalf("failed to build archive: %v", err)
	}
	zipResp, err := c.SubmitJob(ctx, &client.SubmitRequest{
		Zip:            archive,
		IdempotencyKey: "seed-archive",
	})
	if err != nil {
		log.Fatalf("failed to submit archive job: %v", err)
	}
	fmt.Printf("submitted job %s (zip)\n", zipResp.JobID)

	j, err := c.WaitForCompletion(ctx, zipResp.JobID, retry.PollPolicy())
	if err != nil {
		log.Fatalf("archive job did not finish: %v", err)
	}
	fmt.Printf("archive job %s finished: status=%s results=%d\n", j.JobID, j.Status, j.ResultsCount)
	for _, r := range j.Results {
		fmt.Printf("  %s %v\n", r.Filename, r.Palette)
	}

	fmt.Printf("\nseed complete: %d image jobs + 1 archive job\n", len(swatches))
}

// striped draws a 64x64 image of sw with a darker band so extraction has
// more than one cluster to find.
func striped(sw color.RGBA) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	dark := color.RGBA{R: sw.R / 3, G: sw.G / 3, B: sw.B / 3, A: 255}
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			c := sw
			if y >= 48 {
				c = dark
			}
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

func zipOf(swatches []color.RGBA) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for i, sw := range swatches {
		w, err := zw.Create(fmt.Sprintf("swatch-%d.png", i))
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(striped(sw)); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
