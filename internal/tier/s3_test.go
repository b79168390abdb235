package tier

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiercache/tiercache/internal/circuit"
	"github.com/tiercache/tiercache/pkg/errors"
	"github.com/tiercache/tiercache/pkg/types"
)

// fakeObjectStore is an in-memory objectAPI.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    error
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	data, ok := f.objects[*params.Key]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeObjectStore) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*params.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeObjectStore) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	delete(f.objects, *params.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeObjectStore) HeadBucket(_ context.Context, _ *s3.HeadBucketInput, _ ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeObjectStore) setFailure(err error) {
	f.mu.Lock()
	f.fail = err
	f.mu.Unlock()
}

func newTestS3(store *fakeObjectStore) *S3 {
	return newS3WithClient(store, S3Config{
		Bucket:         "cache-bucket",
		Prefix:         "tiercache",
		RequestTimeout: time.Second,
	})
}

func TestS3PutGet(t *testing.T) {
	store := newFakeObjectStore()
	s := newTestS3(store)
	ctx := context.Background()

	entry := newEntry("weights/v3", []byte("blob"))
	require.NoError(t, s.Put(ctx, "weights/v3", entry, time.Hour))

	got, err := s.Get(ctx, "weights/v3")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "blob", string(got.Value))

	// Objects live under the configured prefix.
	_, ok := store.objects["tiercache/weights/v3"]
	assert.True(t, ok)
}

func TestS3MissReturnsNilNil(t *testing.T) {
	s := newTestS3(newFakeObjectStore())

	got, err := s.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestS3EmbeddedExpiry(t *testing.T) {
	s := newTestS3(newFakeObjectStore())
	ctx := context.Background()

	// Lifecycle rules clean objects eventually; until then an expired
	// envelope must read as a miss.
	entry := newEntry("k", []byte("v"))
	entry.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, s.Put(ctx, "k", entry, 0))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestS3DeleteIdempotent(t *testing.T) {
	s := newTestS3(newFakeObjectStore())
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", newEntry("k", []byte("v")), 0))
	require.NoError(t, s.Delete(ctx, "k"))
	require.NoError(t, s.Delete(ctx, "k"))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestS3FailureTripsBreaker(t *testing.T) {
	store := newFakeObjectStore()
	store.setFailure(stderrors.New("connection refused"))

	s := newS3WithClient(store, S3Config{
		Bucket:         "cache-bucket",
		RequestTimeout: time.Second,
		Breaker: circuit.Config{
			TripAfter: 2,
			Cooldown:  time.Hour,
		},
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := s.Get(ctx, "k")
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeTierRead, errors.CodeOf(err))
	}

	_, err := s.Get(ctx, "k")
	assert.Equal(t, errors.ErrCodeCircuitOpen, errors.CodeOf(err))
}

func TestS3HealthCheck(t *testing.T) {
	store := newFakeObjectStore()
	s := newTestS3(store)

	health := s.HealthCheck(context.Background())
	assert.Equal(t, types.TierL3, health.Tier)
	assert.True(t, health.Available)

	store.setFailure(stderrors.New("bucket unreachable"))
	health = s.HealthCheck(context.Background())
	assert.False(t, health.Available)
	assert.Contains(t, health.Message, "unreachable")
}

func TestS3RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{})
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))
}
