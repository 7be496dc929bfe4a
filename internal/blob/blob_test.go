package blob

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{AccessKeyID: "a", SecretAccessKey: "b"}.Validate())
	assert.Error(t, Config{AccessKeyID: "a"}.Validate())
}

func TestS3_PresignGetOffline(t *testing.T) {
	s, err := New(context.Background(), Config{
		Endpoint:        "http://localhost:9000",
		AccessKeyID:     "minioadmin",
		SecretAccessKey: "minioadmin",
		ForcePathStyle:  true,
	})
	require.NoError(t, err)

	raw, err := s.PresignGet(context.Background(), "temp-videos", "v1.mp4", 15*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", u.Host)
	assert.Equal(t, "/temp-videos/v1.mp4", u.Path)
	assert.Equal(t, "900", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
}

func TestWrapError_APICodes(t *testing.T) {
	cases := map[string]error{
		"NoSuchKey":     ErrNotFound,
		"NoSuchBucket":  ErrBucketNotFound,
		"AccessDenied":  ErrAccessDenied,
		"SlowDown":      ErrUnavailable,
		"InternalError": ErrUnavailable,
	}
	for code, want := range cases {
		err := wrapError("Get", "b", "k", &smithy.GenericAPIError{Code: code, Message: "x"})
		assert.True(t, errors.Is(err, want), "code %s", code)

		var be *Error
		require.True(t, errors.As(err, &be))
		assert.Equal(t, "Get", be.Op)
	}
}

func TestError_Message(t *testing.T) {
	err := &Error{Op: "Get", Bucket: "b", Key: "k", Err: ErrNotFound}
	assert.Equal(t, "blob Get: b/k: object not found", err.Error())
	assert.True(t, IsNotFound(err))
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.PresignGet(ctx, "b", "k", time.Minute)
	assert.True(t, IsNotFound(err))

	require.NoError(t, m.Put(ctx, "b", "k", []byte("data"), ""))
	u, err := m.PresignGet(ctx, "b", "k", time.Minute)
	require.NoError(t, err)
	assert.Contains(t, u, "mem://b/k")

	data, err := m.Get(ctx, "b", "k")
	require.NoError(t, err)
	assert.Equal(t, "data", string(data))

	require.NoError(t, m.Delete(ctx, "b", "k"))
	assert.False(t, m.Has("b", "k"))
	assert.NoError(t, m.Delete(ctx, "b", "k"))
}
