package ai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lehigh-university-libraries/readerstudy/internal/utils"
	"github.com/lehigh-university-libraries/readerstudy/pkg/geometry"
)

// Source opens the predictions dataset.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
	String() string
}

// NewSource returns an HTTP source for http(s) locations and a file source
// otherwise.
func NewSource(location string) Source {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return &HTTPSource{URL: location, Client: &http.Client{Timeout: 30 * time.Second}}
	}
	return FileSource(location)
}

// FileSource reads the dataset from a local path.
type FileSource string

func (f FileSource) Open(context.Context) (io.ReadCloser, error) {
	return os.Open(string(f))
}

func (f FileSource) String() string { return string(f) }

// HTTPSource fetches the dataset over HTTP.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

func (h *HTTPSource) Open(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch dataset: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("dataset request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp.Body, nil
}

func (h *HTTPSource) String() string { return h.URL }

// ImageSizer resolves the natural pixel size of a dataset image.
type ImageSizer interface {
	ImageSize(name string) (geometry.Size, error)
}

// DirSizer reads image headers from a directory.
type DirSizer struct {
	Dir string
}

func (d DirSizer) ImageSize(name string) (geometry.Size, error) {
	return utils.ImageDimensions(filepath.Join(d.Dir, filepath.Base(name)))
}
