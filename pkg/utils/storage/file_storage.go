package storage

import (
	"context"
	"fmt"
	"mime/multipart"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "mealpage_backend/pkg/config"
)

var (
	s3Client *s3.Client
	bucket   string
)

func InitStorage(cfg appconfig.StorageConfig) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(context.TODO(),
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return fmt.Errorf("unable to load SDK config: %v", err)
	}

	s3Client = s3.NewFromConfig(awsCfg)
	bucket = cfg.Bucket
	return nil
}

func Ready() bool {
	return s3Client != nil
}

// UploadImportImage parks an uploaded source image for the extraction
// service and returns its storage key. The image is stored as received;
// the extractor wants the original pixels, not a serving-optimized copy.
func UploadImportImage(file *multipart.FileHeader, userID uint, requestID string) (string, error) {
	if s3Client == nil {
		return "", fmt.Errorf("storage is not initialized")
	}

	src, err := file.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	ext := strings.ToLower(filepath.Ext(file.Filename))
	key := fmt.Sprintf("imports/%d/%s%s", userID, requestID, ext)

	_, err = s3Client.PutObject(context.TODO(), &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        src,
		ContentType: aws.String(file.Header.Get("Content-Type")),
	})
	if err != nil {
		return "", fmt.Errorf("could not upload import image: %v", err)
	}

	return key, nil
}
