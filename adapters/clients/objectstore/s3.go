//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package objectstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/weaviate/pipeminer/usecases/monitoring"
)

const (
	AWS_REGION                  = "AWS_REGION"
	AWS_DEFAULT_REGION          = "AWS_DEFAULT_REGION"
	AWS_WEB_IDENTITY_TOKEN_FILE = "AWS_WEB_IDENTITY_TOKEN_FILE"
	AWS_ROLE_ARN                = "AWS_ROLE_ARN"
)

type S3Config struct {
	Endpoint string
	Bucket   string
	Root     string
	UseSSL   bool
}

type S3 struct {
	client *minio.Client
	config S3Config
	logger logrus.FieldLogger
}

func NewS3(config S3Config, logger logrus.FieldLogger) (*S3, error) {
	region := os.Getenv(AWS_REGION)
	if len(region) == 0 {
		region = os.Getenv(AWS_DEFAULT_REGION)
	}
	creds := credentials.NewEnvAWS()
	if len(os.Getenv(AWS_WEB_IDENTITY_TOKEN_FILE)) > 0 && len(os.Getenv(AWS_ROLE_ARN)) > 0 {
		creds = credentials.NewIAM("")
	}
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  creds,
		Region: region,
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create client")
	}
	return &S3{client, config, logger}, nil
}

func (s *S3) makeObjectName(fileType string) string {
	return path.Join(s.config.Root, fileType, uuid.New().String())
}

// Upload stores the payload under a fresh object name and returns the
// bucket-relative location.
func (s *S3) Upload(ctx context.Context, data []byte, fileType string) (string, error) {
	objectName := s.makeObjectName(fileType)
	reader := bytes.NewReader(data)
	_, err := s.client.PutObject(ctx, s.config.Bucket, objectName, reader, reader.Size(),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return "", errors.Wrapf(err, "put object '%s'", objectName)
	}

	monitoring.GetMetrics().ObjectStoreTransferredBytes.
		WithLabelValues("upload").Add(float64(len(data)))
	return objectName, nil
}

// Download reads an object back by its location. Presigned http(s) locations
// handed out by peers are fetched directly.
func (s *S3) Download(ctx context.Context, location string) ([]byte, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return NewPresigned(nil, s.logger).Download(ctx, location)
	}

	obj, err := s.client.GetObject(ctx, s.config.Bucket, location, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "get object '%s'", location)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, errors.Wrapf(err, "read object '%s'", location)
	}

	monitoring.GetMetrics().ObjectStoreTransferredBytes.
		WithLabelValues("download").Add(float64(len(data)))
	return data, nil
}
