package tier

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"path"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/tiercache/tiercache/internal/circuit"
	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// S3Config configures the edge/bulk L3 tier.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`

	// Endpoint overrides the S3 endpoint for S3-compatible stores.
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`

	// AccessKeyID/SecretAccessKey enable static credentials; when empty
	// the default AWS credential chain is used.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	// Prefix is the object key prefix for all cache entries.
	Prefix string `yaml:"prefix"`

	// RequestTimeout bounds every object operation.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Breaker guards the tier against an unreachable object store.
	Breaker circuit.Config `yaml:"breaker"`
}

// DefaultS3Config returns the stock L3 settings.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:         "us-east-1",
		Prefix:         "tiercache",
		RequestTimeout: 10 * time.Second,
	}
}

// objectAPI is the slice of the S3 client the tier uses. Tests substitute
// an in-memory implementation.
type objectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// S3 is the L3 tier: large, slow-changing payloads stored as msgpack
// envelopes in an object store. Expiry is enforced by the embedded entry
// metadata on read; physical cleanup is left to bucket lifecycle rules.
type S3 struct {
	client  objectAPI
	config  S3Config
	breaker *circuit.Breaker
	logger  *slog.Logger

	ops      atomic.Uint64
	failures atomic.Uint64
}

var _ types.TierStore = (*S3)(nil)

// NewS3 loads AWS configuration, creates the client, and returns the tier.
func NewS3(ctx context.Context, config S3Config) (*S3, error) {
	if config.Bucket == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "s3 tier requires a bucket")
	}
	def := DefaultS3Config()
	if config.Region == "" {
		config.Region = def.Region
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(config.Region),
	}
	if config.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.New(errors.ErrCodeConfigLoad, "load aws config").WithCause(err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
		if config.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return newS3WithClient(client, config), nil
}

// newS3WithClient wires an existing client; used by NewS3 and by tests.
func newS3WithClient(client objectAPI, config S3Config) *S3 {
	logger := slog.Default().With("component", "tier-s3", "bucket", config.Bucket)
	breakerCfg := config.Breaker
	if breakerCfg.OnStateChange == nil {
		breakerCfg = withStateLogging(breakerCfg, logger)
	}
	return &S3{
		client:  client,
		config:  config,
		breaker: circuit.New("l3-s3", breakerCfg),
		logger:  logger,
	}
}

// ID implements TierStore.
func (t *S3) ID() types.TierID { return types.TierL3 }

// Get fetches and decodes the object, returning (nil, nil) when the key
// does not exist or the embedded expiry has passed.
func (t *S3) Get(ctx context.Context, key string) (*types.Entry, error) {
	var entry *types.Entry
	err := t.execute(ctx, func(qctx context.Context) error {
		out, err := t.client.GetObject(qctx, &s3.GetObjectInput{
			Bucket: aws.String(t.config.Bucket),
			Key:    aws.String(t.objectKey(key)),
		})
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return errors.New(errors.ErrCodeTierRead, "s3 get object").
				WithTier(string(types.TierL3)).WithKey(key).WithCause(err)
		}
		defer out.Body.Close()

		data, err := io.ReadAll(out.Body)
		if err != nil {
			return errors.New(errors.ErrCodeTierRead, "s3 read object body").
				WithTier(string(types.TierL3)).WithKey(key).WithCause(err)
		}
		decoded, err := decodeEntry(data)
		if err != nil {
			return err
		}
		entry = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	if entry != nil && entry.Expired(time.Now()) {
		return nil, nil
	}
	return entry, nil
}

// Put stores the msgpack envelope as one object.
func (t *S3) Put(ctx context.Context, key string, entry *types.Entry, ttl time.Duration) error {
	stored := *entry
	if ttl > 0 {
		stored.ExpiresAt = time.Now().Add(ttl)
	}
	data, err := encodeEntry(&stored)
	if err != nil {
		return err
	}
	return t.execute(ctx, func(qctx context.Context) error {
		_, err := t.client.PutObject(qctx, &s3.PutObjectInput{
			Bucket: aws.String(t.config.Bucket),
			Key:    aws.String(t.objectKey(key)),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return errors.New(errors.ErrCodeTierWrite, "s3 put object").
				WithTier(string(types.TierL3)).WithKey(key).WithCause(err)
		}
		return nil
	})
}

// Delete removes the object. S3 delete is idempotent by nature.
func (t *S3) Delete(ctx context.Context, key string) error {
	return t.execute(ctx, func(qctx context.Context) error {
		_, err := t.client.DeleteObject(qctx, &s3.DeleteObjectInput{
			Bucket: aws.String(t.config.Bucket),
			Key:    aws.String(t.objectKey(key)),
		})
		if err != nil {
			return errors.New(errors.ErrCodeTierWrite, "s3 delete object").
				WithTier(string(types.TierL3)).WithKey(key).WithCause(err)
		}
		return nil
	})
}

// HealthCheck probes the bucket.
func (t *S3) HealthCheck(ctx context.Context) types.TierHealth {
	qctx, cancel := context.WithTimeout(ctx, t.config.RequestTimeout)
	defer cancel()

	start := time.Now()
	_, err := t.client.HeadBucket(qctx, &s3.HeadBucketInput{
		Bucket: aws.String(t.config.Bucket),
	})
	health := types.TierHealth{
		Tier:      types.TierL3,
		Available: err == nil,
		Latency:   time.Since(start),
		ErrorRate: t.errorRate(),
		CheckedAt: time.Now(),
	}
	if err != nil {
		health.Message = err.Error()
	}
	return health
}

// Close implements TierStore; the S3 client holds no connections to release.
func (t *S3) Close() error { return nil }

func (t *S3) execute(ctx context.Context, fn func(context.Context) error) error {
	t.ops.Add(1)
	err := t.breaker.Execute(ctx, func(bctx context.Context) error {
		qctx, cancel := context.WithTimeout(bctx, t.config.RequestTimeout)
		defer cancel()
		return fn(qctx)
	})
	if err != nil {
		t.failures.Add(1)
	}
	return err
}

func (t *S3) objectKey(key string) string {
	if t.config.Prefix == "" {
		return key
	}
	return path.Join(t.config.Prefix, key)
}

func (t *S3) errorRate() float64 {
	ops := t.ops.Load()
	if ops == 0 {
		return 0
	}
	return float64(t.failures.Load()) / float64(ops)
}

func isNotFound(err error) bool {
	var noKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	return stderrors.As(err, &noKey) || stderrors.As(err, &notFound)
}
