// internal/archive/archive_test.go
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/imi-commission/internal/callback"
)

type fakeS3 struct {
	s3iface.S3API
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (f *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func delivery() callback.Delivery {
	headers := http.Header{}
	headers.Set("X-Signature", "abc")
	return callback.Delivery{
		Provider:   "gateway",
		Headers:    headers,
		Body:       []byte(`{"provider_tx_id":"PAY123"}`),
		RemoteIP:   "203.0.113.7",
		ReceivedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestArchiveToS3(t *testing.T) {
	client := &fakeS3{}
	a := NewWithClient(client, "audit-bucket", "callbacks")

	require.NoError(t, a.Archive(context.Background(), delivery(), "received"))
	require.Len(t, client.inputs, 1)

	in := client.inputs[0]
	assert.Equal(t, "audit-bucket", aws.StringValue(in.Bucket))
	assert.True(t, strings.HasPrefix(aws.StringValue(in.Key), "callbacks/gateway/2026/03/01/"))
	assert.True(t, strings.HasSuffix(aws.StringValue(in.Key), ".json"))
	assert.Contains(t, aws.StringValue(in.Key), "-received-")

	var entry Entry
	require.NoError(t, json.Unmarshal(client.bodies[0], &entry))
	assert.Equal(t, "gateway", entry.Provider)
	assert.Equal(t, "received", entry.Outcome)
	assert.Equal(t, "203.0.113.7", entry.RemoteIP)
	assert.Equal(t, `{"provider_tx_id":"PAY123"}`, entry.Body)
	assert.Equal(t, "abc", entry.Headers.Get("X-Signature"))

	client.err = errors.New("access denied")
	assert.ErrorIs(t, a.Archive(context.Background(), delivery(), "received"), client.err)
}

func TestArchiveLocal(t *testing.T) {
	dir := t.TempDir()
	a := NewLocal(dir)

	require.NoError(t, a.Archive(context.Background(), delivery(), "unauthenticated"))

	matches, err := filepath.Glob(filepath.Join(dir, "gateway", "2026", "03", "01", "*-unauthenticated-*.json"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	raw, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), "PAY123")

	assert.NoError(t, NewLocal("").Archive(context.Background(), delivery(), "received"))
}
