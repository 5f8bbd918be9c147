package gcsarchive

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldbrook-labs/go-flowline/pkg/pipeline"
)

// --- Mock GCS client components ---

type mockWriter struct {
	buf    bytes.Buffer
	closed bool
	failOn bool
}

func (m *mockWriter) Write(p []byte) (int, error) {
	if m.closed {
		return 0, errors.New("write on closed writer")
	}
	if m.failOn {
		return 0, errors.New("simulated write failure")
	}
	return m.buf.Write(p)
}

func (m *mockWriter) Close() error {
	if m.closed {
		return errors.New("already closed")
	}
	m.closed = true
	return nil
}

type mockObjectHandle struct {
	writer *mockWriter
	failOn bool
}

func (m *mockObjectHandle) NewWriter(_ context.Context) Writer {
	if m.writer == nil {
		m.writer = &mockWriter{failOn: m.failOn}
	}
	return m.writer
}

type mockBucketHandle struct {
	sync.Mutex
	objects map[string]*mockObjectHandle
	failOn  bool
}

func (m *mockBucketHandle) Object(name string) ObjectHandle {
	m.Lock()
	defer m.Unlock()
	if m.objects == nil {
		m.objects = make(map[string]*mockObjectHandle)
	}
	if _, ok := m.objects[name]; !ok {
		m.objects[name] = &mockObjectHandle{failOn: m.failOn}
	}
	return m.objects[name]
}

type mockClient struct {
	bucket *mockBucketHandle
}

func newMockClient(failOn bool) *mockClient {
	return &mockClient{bucket: &mockBucketHandle{failOn: failOn}}
}

func (m *mockClient) Bucket(_ string) BucketHandle {
	return m.bucket
}

// --- Tests ---

func newMessage(id string, ts time.Time, content map[string]any) pipeline.Message {
	msg := pipeline.NewMessage(content)
	msg.ID = id
	msg.Timestamp = ts
	return msg
}

func TestSendBatch_SingleGroup(t *testing.T) {
	client := newMockClient(false)
	sink, err := New(client, Config{BucketName: "test-bucket", ObjectPrefix: "archive"}, zerolog.Nop())
	require.NoError(t, err)

	day := time.Date(2025, 6, 13, 9, 0, 0, 0, time.UTC)
	batch := []pipeline.Message{
		newMessage("msg-1", day, map[string]any{"data": "one"}),
		newMessage("msg-2", day.Add(time.Hour), map[string]any{"data": "two"}),
	}

	require.NoError(t, sink.SendBatch(context.Background(), batch))

	client.bucket.Lock()
	defer client.bucket.Unlock()
	require.Len(t, client.bucket.objects, 1, "expected one object for one date")

	for objectName, handle := range client.bucket.objects {
		assert.Contains(t, objectName, "archive/2025/06/13/")
		assert.True(t, strings.HasSuffix(objectName, ".jsonl.gz"))

		gzReader, err := gzip.NewReader(bytes.NewReader(handle.writer.buf.Bytes()))
		require.NoError(t, err)
		content, err := io.ReadAll(gzReader)
		require.NoError(t, err)

		lines := bytes.Split(bytes.TrimSpace(content), []byte("\n"))
		require.Len(t, lines, 2, "expected two records in the object")

		var first, second Record
		require.NoError(t, json.Unmarshal(lines[0], &first))
		require.NoError(t, json.Unmarshal(lines[1], &second))
		assert.Equal(t, "msg-1", first.ID)
		assert.Equal(t, "one", first.Content["data"])
		assert.Equal(t, "msg-2", second.ID)
		assert.False(t, first.ArchivedAt.IsZero())
	}
}

func TestSendBatch_GroupsByDate(t *testing.T) {
	client := newMockClient(false)
	sink, err := New(client, Config{BucketName: "test-bucket", ObjectPrefix: "archive"}, zerolog.Nop())
	require.NoError(t, err)

	batch := []pipeline.Message{
		newMessage("msg-a1", time.Date(2025, 6, 14, 1, 0, 0, 0, time.UTC), nil),
		newMessage("msg-b1", time.Date(2025, 6, 15, 1, 0, 0, 0, time.UTC), nil),
		newMessage("msg-a2", time.Date(2025, 6, 14, 2, 0, 0, 0, time.UTC), nil),
	}

	require.NoError(t, sink.SendBatch(context.Background(), batch))

	client.bucket.Lock()
	defer client.bucket.Unlock()
	require.Len(t, client.bucket.objects, 2, "expected one object per date")

	foundA, foundB := false, false
	for objectName := range client.bucket.objects {
		if strings.Contains(objectName, "2025/06/14") {
			foundA = true
		}
		if strings.Contains(objectName, "2025/06/15") {
			foundB = true
		}
	}
	assert.True(t, foundA)
	assert.True(t, foundB)
}

func TestSendBatch_WriteFailureSurfacesAsBatchError(t *testing.T) {
	client := newMockClient(true)
	sink, err := New(client, Config{BucketName: "test-bucket"}, zerolog.Nop())
	require.NoError(t, err)

	batch := []pipeline.Message{newMessage("msg-1", time.Now().UTC(), nil)}
	err = sink.SendBatch(context.Background(), batch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to stream data")
}

func TestSendBatch_EmptyBatchIsNoop(t *testing.T) {
	client := newMockClient(false)
	sink, err := New(client, Config{BucketName: "test-bucket"}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, sink.SendBatch(context.Background(), nil))
	assert.Empty(t, client.bucket.objects)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Config{BucketName: "b"}, zerolog.Nop())
	require.Error(t, err)

	_, err = New(newMockClient(false), Config{}, zerolog.Nop())
	require.Error(t, err)
}
