package templateloader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uitsmijter/uitsmijter/entities"
	"github.com/uitsmijter/uitsmijter/pkg/log"
)

type fakeS3 struct {
	objects map[string]string
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	key := fmt.Sprintf("%s/%s", *params.Bucket, *params.Key)
	body, ok := f.objects[key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewBufferString(body))}, nil
}

func testTenant(name string) entities.Tenant {
	return entities.Tenant{
		Name: name,
		Config: entities.TenantSpec{
			Hosts: []string{"id.example.com"},
			Templates: &entities.TemplateSpec{
				Host:        "https://minio.example.com",
				Bucket:      "views",
				Path:        "cheese",
				AccessKeyID: "key",
				SecretKey:   "secret",
			},
		},
	}
}

func newTestLoader(t *testing.T, fake *fakeS3) (*Loader, string) {
	t.Helper()
	logger, err := log.New("error", "text")
	require.NoError(t, err)
	dir := t.TempDir()
	l := NewWithFactory(dir, logger, func(context.Context, *entities.TemplateSpec) (S3Client, error) {
		return fake, nil
	})
	t.Cleanup(l.Close)
	return l, dir
}

func TestCreateDownloadsAllTemplates(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{
		"views/cheese/index.html":  "<html>index</html>",
		"views/cheese/login.html":  "<html>login</html>",
		"views/cheese/logout.html": "<html>logout</html>",
		"views/cheese/error.html":  "<html>error</html>",
	}}
	l, dir := newTestLoader(t, fake)

	l.TenantCreated(testTenant("food/cheese"))
	l.Close()

	for _, name := range []string{"index.html", "login.html", "logout.html", "error.html"} {
		data, err := os.ReadFile(filepath.Join(dir, "food-cheese", name))
		require.NoError(t, err, name)
		assert.Contains(t, string(data), "<html>")
	}
}

func TestCreateSkipsMissingObjects(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{
		"views/cheese/login.html": "<html>login</html>",
	}}
	l, dir := newTestLoader(t, fake)

	l.TenantCreated(testTenant("cheese"))
	l.Close()

	_, err := os.Stat(filepath.Join(dir, "cheese", "login.html"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "cheese", "index.html"))
	assert.True(t, os.IsNotExist(err), "missing objects are skipped, not fatal")
}

func TestRemoveDeletesDirectory(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{
		"views/cheese/login.html": "x",
	}}
	l, dir := newTestLoader(t, fake)

	tenant := testTenant("cheese")
	l.TenantCreated(tenant)
	l.TenantRemoved(tenant)
	l.Close()

	_, err := os.Stat(filepath.Join(dir, "cheese"))
	assert.True(t, os.IsNotExist(err))
}

func TestTenantWithoutTemplatesIsIgnored(t *testing.T) {
	l, dir := newTestLoader(t, &fakeS3{})

	l.TenantCreated(entities.Tenant{Name: "plain", Config: entities.TenantSpec{Hosts: []string{"x"}}})
	l.Close()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
