package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUploadImage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, processImageEndpoint, r.URL.Path)
		file, header, err := r.FormFile("image")
		if !assert.NoError(t, err) {
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "cat.jpg", header.Filename)
		assert.Equal(t, []byte("jpeg bytes"), data)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"caption":"a cat on a sofa"}`))
	}))
	defer server.Close()

	caption, err := uploadImage(server.Client(), server.URL+"/", "cat.jpg", []byte("jpeg bytes"))
	require.NoError(t, err)
	assert.Equal(t, "a cat on a sofa", caption)
}

func TestUploadImageServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"Model is currently loading, please try again in a few moments"}`))
	}))
	defer server.Close()

	_, err := uploadImage(server.Client(), server.URL, "cat.jpg", []byte("jpeg bytes"))
	require.Error(t, err)
	assert.Equal(t, "server error 503: Model is currently loading, please try again in a few moments", err.Error())
}

func TestDoPrepare(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	path := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	require.NoError(t, doPrepare(path, 10, 0))

	out, err := os.ReadFile(filepath.Join(filepath.Dir(path), "photo-prepared.jpg"))
	require.NoError(t, err)
	cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 10, cfg.Width)
	assert.Equal(t, 5, cfg.Height)
}
