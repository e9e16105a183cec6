package client

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/npezzotti/go-messenger/internal/apperr"
)

const MaxUploadSize = 5 << 20

var uploadTypes = map[string][]string{
	"image/jpeg": {".jpeg", ".jpg"},
	"image/jpg":  {".jpeg", ".jpg"},
	"image/png":  {".png"},
	"image/webp": {".webp"},
}

// Uploader stores an image and returns the URL to send in a message.
type Uploader interface {
	Upload(ctx context.Context, name, contentType string, body io.Reader, size int64) (string, error)
}

// ValidateUpload accepts jpeg, png and webp images up to MaxUploadSize.
func ValidateUpload(name, contentType string, size int64) error {
	exts, ok := uploadTypes[strings.ToLower(contentType)]
	if !ok {
		return apperr.Validation("unsupported image type %q", contentType)
	}
	ext := strings.ToLower(path.Ext(name))
	if ext != "" && !slices.Contains(exts, ext) {
		return apperr.Validation("file extension %q does not match %s", ext, contentType)
	}
	if size <= 0 {
		return apperr.Validation("image is empty")
	}
	if size > MaxUploadSize {
		return apperr.Validation("image exceeds %d bytes", MaxUploadSize)
	}

	return nil
}

// S3Uploader puts images in an S3 bucket under random keys.
type S3Uploader struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
	baseURL  string
}

// NewS3Uploader loads the default AWS configuration. When baseURL is empty
// the object location reported by S3 is returned.
func NewS3Uploader(ctx context.Context, region, bucket, prefix, baseURL string) (*S3Uploader, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &S3Uploader{
		uploader: manager.NewUploader(s3.NewFromConfig(cfg)),
		bucket:   bucket,
		prefix:   prefix,
		baseURL:  strings.TrimSuffix(baseURL, "/"),
	}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, name, contentType string, body io.Reader, size int64) (string, error) {
	if err := ValidateUpload(name, contentType, size); err != nil {
		return "", err
	}

	key := path.Join(u.prefix, uuid.NewString()+strings.ToLower(path.Ext(name)))
	out, err := u.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        io.LimitReader(body, size),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", apperr.Transport(err, "upload %s", name)
	}

	if u.baseURL != "" {
		return u.baseURL + "/" + (&url.URL{Path: key}).EscapedPath(), nil
	}
	return out.Location, nil
}
