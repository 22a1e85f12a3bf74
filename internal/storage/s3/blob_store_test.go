package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEnsureBucket(t *testing.T) {
	t.Parallel()

	api := &fakeObjectAPI{}
	store := newWithAPI(api, Config{Bucket: "media", Region: "eu"}, zap.NewNop())
	require.NoError(t, store.EnsureBucket(context.Background()))
	require.Equal(t, []string{"media"}, api.made)

	api.exists = true
	require.NoError(t, store.EnsureBucket(context.Background()))
	require.Len(t, api.made, 1)

	api.existsErr = errors.New("denied")
	require.Error(t, store.EnsureBucket(context.Background()))
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	api := &fakeObjectAPI{}
	store := newWithAPI(api, Config{Bucket: "media"}, nil)

	uri, err := store.PutObject(context.Background(), "/c1/10_5.jpg", "image/jpeg", bytes.NewReader([]byte("jpeg")))
	require.NoError(t, err)
	require.Equal(t, "s3://media/c1/10_5.jpg", uri)
	require.Equal(t, "jpeg", api.objects["c1/10_5.jpg"])
	require.Equal(t, "image/jpeg", api.contentType)

	_, err = store.PutObject(context.Background(), "", "", bytes.NewReader(nil))
	require.Error(t, err)

	api.putErr = errors.New("timeout")
	_, err = store.PutObject(context.Background(), "k", "", bytes.NewReader(nil))
	require.Error(t, err)
}

func TestNewRequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Bucket: "b"}, nil)
	require.Error(t, err)
}

type fakeObjectAPI struct {
	exists      bool
	existsErr   error
	made        []string
	putErr      error
	objects     map[string]string
	contentType string
}

func (f *fakeObjectAPI) BucketExists(context.Context, string) (bool, error) {
	return f.exists, f.existsErr
}

func (f *fakeObjectAPI) MakeBucket(_ context.Context, bucket string, _ minio.MakeBucketOptions) error {
	f.made = append(f.made, bucket)
	return nil
}

func (f *fakeObjectAPI) PutObject(_ context.Context, _ string, object string, reader io.Reader, _ int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	if f.putErr != nil {
		return minio.UploadInfo{}, f.putErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return minio.UploadInfo{}, err
	}
	if f.objects == nil {
		f.objects = make(map[string]string)
	}
	f.objects[object] = string(data)
	f.contentType = opts.ContentType
	return minio.UploadInfo{Key: object, Size: int64(len(data))}, nil
}
