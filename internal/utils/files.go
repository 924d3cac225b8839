package utils

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"net/http"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/lehigh-university-libraries/readerstudy/pkg/geometry"
)

func CalculateDataMD5(data []byte) string {
	hash := md5.New()
	hash.Write(data)
	return hex.EncodeToString(hash.Sum(nil))
}

func RespondWithJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// ImageDimensions reads only the image header to find its natural size.
func ImageDimensions(imagePath string) (geometry.Size, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return geometry.Size{}, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return geometry.Size{}, fmt.Errorf("decode image header %s: %w", imagePath, err)
	}
	return geometry.Size{Width: float64(cfg.Width), Height: float64(cfg.Height)}, nil
}

// LoadImage decodes a full image from disk.
func LoadImage(imagePath string) (image.Image, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

func ExitOnError(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
