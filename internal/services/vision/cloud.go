package vision

import (
	"context"
	"os"

	vision "cloud.google.com/go/vision/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
)

// CloudAnnotator calls Google Cloud Vision object localization. Credentials
// come from the environment (GOOGLE_APPLICATION_CREDENTIALS).
type CloudAnnotator struct {
	client *vision.ImageAnnotatorClient
}

func NewCloudAnnotator(ctx context.Context) (*CloudAnnotator, error) {
	client, err := vision.NewImageAnnotatorClient(ctx)
	if err != nil {
		return nil, err
	}
	return &CloudAnnotator{client: client}, nil
}

func (a *CloudAnnotator) Localize(ctx context.Context, imagePath string) ([]*visionpb.LocalizedObjectAnnotation, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	image, err := vision.NewImageFromReader(f)
	if err != nil {
		return nil, err
	}
	return a.client.LocalizeObjects(ctx, image, nil)
}

func (a *CloudAnnotator) Close() error {
	return a.client.Close()
}
