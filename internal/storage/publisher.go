package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/withObsrvr/obsrvr-sortflow/internal/logging"
	"github.com/withObsrvr/obsrvr-sortflow/internal/metrics"
)

const maxPublishRetries = 3

// Publisher uploads finished files to an ArtifactStore under a key prefix
// and collects them into a run manifest.
type Publisher struct {
	store    ArtifactStore
	prefix   string
	producer ProducerInfo
	log      *slog.Logger

	mu        sync.Mutex
	artifacts map[string]ArtifactInfo
}

// NewPublisher creates a publisher writing under prefix.
func NewPublisher(store ArtifactStore, prefix string, producer ProducerInfo) *Publisher {
	return &Publisher{
		store:     store,
		prefix:    prefix,
		producer:  producer,
		log:       logging.Component("publisher"),
		artifacts: make(map[string]ArtifactInfo),
	}
}

// Publish uploads the file at localPath to prefix+key. Transient failures
// are retried with exponential backoff.
func (p *Publisher) Publish(ctx context.Context, localPath, key string) error {
	fullKey := p.prefix + key

	var info ArtifactInfo
	op := func() error {
		var err error
		info, err = p.publishOnce(ctx, localPath, fullKey)
		if os.IsNotExist(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxPublishRetries), ctx)
	err := backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		metrics.Get().IncRetryAttempts("publish")
		p.log.Warn("retrying publish", "key", fullKey, "delay", d, "error", err)
	})
	if err != nil {
		metrics.Get().IncStorageErrors(p.store.Backend())
		return err
	}

	p.mu.Lock()
	p.artifacts[key] = info
	p.mu.Unlock()

	p.log.Debug("published artifact", "uri", p.store.URI(fullKey), "bytes", info.ByteSize, "checksum", info.Checksum)
	return nil
}

func (p *Publisher) publishOnce(ctx context.Context, localPath, key string) (ArtifactInfo, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return ArtifactInfo{}, err
	}
	defer f.Close()

	h := sha256.New()
	counter := &countingWriter{}
	tempKey, err := p.store.WriteTemp(ctx, key, io.TeeReader(f, io.MultiWriter(h, counter)))
	if err != nil {
		return ArtifactInfo{}, err
	}
	if err := p.store.Finalize(ctx, tempKey, key); err != nil {
		p.store.Abort(ctx, []string{tempKey})
		return ArtifactInfo{}, err
	}
	return ArtifactInfo{
		Key:      key,
		Checksum: "sha256:" + hex.EncodeToString(h.Sum(nil)),
		ByteSize: counter.n,
	}, nil
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// Artifacts returns the published keys in order.
func (p *Publisher) Artifacts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.artifacts))
	for k := range p.artifacts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WriteManifest publishes the manifest of everything published so far. It
// does nothing when nothing was published.
func (p *Publisher) WriteManifest(ctx context.Context, runID string) error {
	p.mu.Lock()
	if len(p.artifacts) == 0 {
		p.mu.Unlock()
		return nil
	}
	m := &Manifest{
		RunID:     runID,
		Artifacts: make(map[string]ArtifactInfo, len(p.artifacts)),
		Producer:  p.producer,
		CreatedAt: time.Now().UTC(),
	}
	for k, v := range p.artifacts {
		m.Artifacts[k] = v
	}
	p.mu.Unlock()

	data, err := m.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	key := ManifestKey(p.prefix, runID)
	tempKey, err := p.store.WriteTemp(ctx, key, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := p.store.Finalize(ctx, tempKey, key); err != nil {
		p.store.Abort(ctx, []string{tempKey})
		return fmt.Errorf("finalize manifest: %w", err)
	}
	return nil
}
