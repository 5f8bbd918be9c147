package gcsarchive

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
)

// The interfaces below abstract the Google Cloud Storage client so the
// archive sink can be tested without a real bucket.

// Client abstracts the top-level *storage.Client.
type Client interface {
	Bucket(name string) BucketHandle
}

// BucketHandle abstracts a *storage.BucketHandle.
type BucketHandle interface {
	Object(name string) ObjectHandle
}

// ObjectHandle abstracts a *storage.ObjectHandle.
type ObjectHandle interface {
	NewWriter(ctx context.Context) Writer
}

// Writer abstracts a *storage.Writer. It must satisfy io.WriteCloser.
type Writer interface {
	io.WriteCloser
}

// NewClientAdapter makes the concrete *storage.Client conform to the
// Client interface.
func NewClientAdapter(client *storage.Client) Client {
	if client == nil {
		return nil
	}
	return &clientAdapter{client: client}
}

type clientAdapter struct {
	client *storage.Client
}

func (a *clientAdapter) Bucket(name string) BucketHandle {
	return &bucketHandleAdapter{handle: a.client.Bucket(name)}
}

type bucketHandleAdapter struct {
	handle *storage.BucketHandle
}

func (a *bucketHandleAdapter) Object(name string) ObjectHandle {
	return &objectHandleAdapter{handle: a.handle.Object(name)}
}

type objectHandleAdapter struct {
	handle *storage.ObjectHandle
}

// NewWriter returns the underlying *storage.Writer, which already
// implements io.WriteCloser.
func (a *objectHandleAdapter) NewWriter(ctx context.Context) Writer {
	return a.handle.NewWriter(ctx)
}
