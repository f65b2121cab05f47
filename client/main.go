// Dev/test client for the caption service.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	imageprep "image-caption-service/image"
	"image-caption-service/models"

	"github.com/apex/log"
)

const processImageEndpoint = "/api/process-image"

var (
	serviceURL = flag.String("url", "http://127.0.0.1:5000", "Base URL of the caption service.")
	timeout    = flag.Duration("timeout", 60*time.Second, "Request timeout.")
	prepare    = flag.Bool("prepare", false, "Only run local image preparation and write <name>-prepared.jpg.")
	maxDim     = flag.Int("max-dim", 768, "Maximum width or height used with -prepare.")
	maxPixels  = flag.Int64("max-pixels", 40_000_000, "Largest accepted image, in pixels, used with -prepare.")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <image-file>...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	client := &http.Client{Timeout: *timeout}
	failed := false
	for _, path := range flag.Args() {
		var err error
		if *prepare {
			err = doPrepare(path, *maxDim, *maxPixels)
		} else {
			err = doCaption(client, *serviceURL, path)
		}
		if err != nil {
			log.WithField("file", path).Errorf("Failed: %v", err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}

func doCaption(client *http.Client, baseURL, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	start := time.Now()
	caption, err := uploadImage(client, baseURL, filepath.Base(path), data)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"file":     path,
		"bytes":    len(data),
		"duration": time.Since(start).Round(time.Millisecond).String(),
	}).Info(caption)
	return nil
}

// uploadImage posts one image the way the web frontend does and returns the caption.
func uploadImage(client *http.Client, baseURL, filename string, data []byte) (string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("image", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(baseURL, "/")+processImageEndpoint, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call the server: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	if resp.StatusCode != http.StatusOK {
		var errResp models.ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return "", fmt.Errorf("server error %d: %s", resp.StatusCode, errResp.Error)
		}
		return "", fmt.Errorf("server error %d: %s", resp.StatusCode, string(respBody))
	}

	var captionResp models.CaptionResponse
	if err := json.Unmarshal(respBody, &captionResp); err != nil {
		return "", fmt.Errorf("invalid response: %w", err)
	}
	if !captionResp.Success {
		return "", fmt.Errorf("server did not report success: %s", string(respBody))
	}
	return captionResp.Caption, nil
}

// doPrepare runs the local backend's image preparation on a file so its output can be inspected.
func doPrepare(path string, maxDimension int, maxPixels int64) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	prepared, err := imageprep.Prepare(data, maxDimension, maxPixels)
	if err != nil {
		return err
	}

	outputFile := strings.TrimSuffix(path, filepath.Ext(path)) + "-prepared.jpg"
	if err := os.WriteFile(outputFile, prepared, 0644); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"original_bytes": len(data),
		"prepared_bytes": len(prepared),
		"output":         outputFile,
	}).Info("Image prepared")
	return nil
}
