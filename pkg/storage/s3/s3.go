// Package s3 handles offsite copies of backup artifacts in S3-compatible storage.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/logging"
	"github.com/supporttools/GoDRGuard/pkg/metrics"
	"github.com/supporttools/GoDRGuard/pkg/retry"
)

// API is the subset of the S3 client used for artifact copies
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Client uploads, downloads and deletes artifacts behind a circuit breaker
type Client struct {
	api      API
	breaker  *gobreaker.CircuitBreaker[interface{}]
	attempts int
	logger   logrus.FieldLogger
}

// NewClient creates a client from the S3 section of the global configuration
func NewClient(ctx context.Context, logger logrus.FieldLogger) (*Client, error) {
	if !config.CFG.S3.Enabled {
		return nil, fmt.Errorf("S3 storage is not enabled in configuration")
	}

	s3Client, err := newS3Client(ctx, config.CFG.S3)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}
	return NewWithAPI(s3Client, logger), nil
}

// NewWithAPI wraps an existing S3 API implementation
func NewWithAPI(api API, logger logrus.FieldLogger) *Client {
	log := logging.Component(logger, "s3")
	breaker := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        "s3-artifacts",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithField("breaker", name).Warnf("Circuit breaker changed from %s to %s", from, to)
		},
	})

	return &Client{
		api:      api,
		breaker:  breaker,
		attempts: 3,
		logger:   log,
	}
}

// newS3Client initializes an S3 client, honoring a custom endpoint and path-style access
func newS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	sdkOptions := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		sdkOptions = append(sdkOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, sdkOptions...)
	if err != nil {
		return nil, fmt.Errorf("AWS SDK config initialization error: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// State reports the circuit breaker state
func (c *Client) State() string {
	return c.breaker.State().String()
}

// Upload copies a local artifact to bucket/key
func (c *Client) Upload(ctx context.Context, bucket, key, path string) error {
	start := time.Now()

	err := c.call(ctx, func() error {
		file, err := os.Open(path)
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to open artifact for upload: %w", err))
		}
		defer file.Close()

		_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   file,
		})
		return err
	})
	if err != nil {
		metrics.S3UploadCount.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to upload %s to s3://%s/%s: %w", filepath.Base(path), bucket, key, err)
	}

	metrics.S3UploadCount.WithLabelValues("success").Inc()
	metrics.S3UploadDuration.Observe(time.Since(start).Seconds())
	c.logger.WithFields(logrus.Fields{"bucket": bucket, "key": key}).Info("Uploaded artifact")
	return nil
}

// Download writes bucket/key to dest, creating its directory
func (c *Client) Download(ctx context.Context, bucket, key, dest string) error {
	err := c.call(ctx, func() error {
		out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer out.Body.Close()

		if err := os.MkdirAll(filepath.Dir(dest), 0750); err != nil {
			return retry.Permanent(err)
		}
		file, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return retry.Permanent(err)
		}
		if _, err := io.Copy(file, out.Body); err != nil {
			file.Close()
			return err
		}
		return file.Close()
	})
	if err != nil {
		return fmt.Errorf("failed to download s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// Delete removes bucket/key
func (c *Client) Delete(ctx context.Context, bucket, key string) error {
	err := c.call(ctx, func() error {
		_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// call runs op through the circuit breaker with bounded retry. An open breaker stops retrying.
func (c *Client) call(ctx context.Context, op func() error) error {
	return retry.Do(ctx, c.attempts, 500*time.Millisecond, func() error {
		_, err := c.breaker.Execute(func() (interface{}, error) {
			return nil, op()
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return retry.Permanent(err)
		}
		return err
	})
}
