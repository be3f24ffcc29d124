// Package objectstore provides a NATS JetStream object store used as a
// staging backend for transient media artifacts.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/book-expert/avatar-service/internal/core"
	"github.com/book-expert/avatar-service/internal/fileutil"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const defaultExt = ".bin"

// NatsObjectStore stages artifacts as objects in a JetStream bucket.
type NatsObjectStore struct {
	bucket string
	store  nats.ObjectStore
}

// New creates the bucket, or binds to it when it already exists. Objects
// older than ttl are expired by the server, so artifacts abandoned by a
// crashed process do not accumulate.
func New(jetstreamContext nats.JetStreamContext, bucketName string, ttl time.Duration) (*NatsObjectStore, error) {
	// Use a "create-first" approach.
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Transient media staging for the %s bucket.", bucketName),
		TTL:         ttl,
		MaxBytes:    0,
		Storage:     nats.FileStorage,
		Replicas:    1,
		Placement:   nil,
		Metadata:    nil,
		Compression: false,
	})

	if err != nil {
		// A bucket created with a different configuration is reported as a
		// stream name conflict by the legacy API.
		if errors.Is(err, jetstream.ErrBucketExists) || errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			store, err = jetstreamContext.ObjectStore(bucketName)
			if err != nil {
				return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
			}
		} else {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}
	}

	return &NatsObjectStore{
		bucket: bucketName,
		store:  store,
	}, nil
}

// Stage uploads data under a fresh uuid-based key.
func (n *NatsObjectStore) Stage(ctx context.Context, data []byte, ext string) (core.Artifact, error) {
	key := uuid.NewString() + fileutil.NormalizeExt(ext, defaultExt)

	err := n.upload(ctx, key, data)
	if err != nil {
		return nil, err
	}

	return &natsArtifact{key: key, bucket: n.bucket, store: n.store}, nil
}

func (n *NatsObjectStore) upload(ctx context.Context, key string, data []byte) error {
	_, err := n.store.Put(&nats.ObjectMeta{
		Name:        key,
		Description: "",
		Headers:     nil,
		Metadata:    nil,
		Opts:        nil,
	}, bytes.NewReader(data), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, n.bucket, err)
	}

	return nil
}

type natsArtifact struct {
	key    string
	bucket string
	store  nats.ObjectStore
	once   sync.Once
	err    error
}

func (a *natsArtifact) Name() string { return a.key }

func (a *natsArtifact) Open() (io.ReadCloser, error) {
	obj, err := a.store.Get(a.key)
	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", a.key, a.bucket, err)
	}

	return obj, nil
}

func (a *natsArtifact) Release() error {
	a.once.Do(func() {
		err := a.store.Delete(a.key)
		if err != nil && !errors.Is(err, nats.ErrObjectNotFound) {
			a.err = fmt.Errorf("failed to delete object '%s' from bucket '%s': %w", a.key, a.bucket, err)
		}
	})

	return a.err
}
