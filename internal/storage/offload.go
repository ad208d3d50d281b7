package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/forgeworks/forge/internal/api"
	"github.com/forgeworks/forge/internal/domain"
)

// DefaultInlineThreshold is the payload size above which artifacts are
// offloaded to object storage. Log excerpts are bounded well below this, so
// in practice only oversized summaries spill.
const DefaultInlineThreshold = 32 * 1024

// PayloadPointer is the inline payload written for an offloaded artifact.
type PayloadPointer struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Bytes  int    `json:"bytes"`
}

// ArtifactStore wraps an api.ArtifactStore, spilling payloads larger than
// the threshold to object storage. The row keeps storage="external" and a
// PayloadPointer; small payloads pass through inline untouched.
type ArtifactStore struct {
	inner     api.ArtifactStore
	objects   ObjectStore
	threshold int
	log       *slog.Logger
}

// NewArtifactStore wraps inner with payload offload. A threshold below one
// falls back to DefaultInlineThreshold.
func NewArtifactStore(inner api.ArtifactStore, objects ObjectStore, threshold int, log *slog.Logger) *ArtifactStore {
	if threshold < 1 {
		threshold = DefaultInlineThreshold
	}
	return &ArtifactStore{
		inner:     inner,
		objects:   objects,
		threshold: threshold,
		log:       log,
	}
}

// ObjectKey is the bucket key an artifact's payload object lives at.
func ObjectKey(artifact *domain.Artifact) string {
	return fmt.Sprintf("runs/%s/%s.json", artifact.RunID, artifact.ID)
}

// UpsertArtifact stores the artifact, offloading the payload when it exceeds
// the threshold. If the object write fails, the payload is kept inline:
// durability wins over offload.
func (s *ArtifactStore) UpsertArtifact(ctx context.Context, artifact *domain.Artifact) error {
	if len(artifact.Payload) <= s.threshold {
		return s.inner.UpsertArtifact(ctx, artifact)
	}

	key := ObjectKey(artifact)
	if err := s.objects.Put(ctx, key, artifact.Payload); err != nil {
		s.log.WarnContext(ctx, "artifact offload failed, keeping payload inline",
			"artifact_id", artifact.ID, "bytes", len(artifact.Payload), "error", err)
		return s.inner.UpsertArtifact(ctx, artifact)
	}

	pointer, err := json.Marshal(PayloadPointer{
		Bucket: s.objects.Bucket(),
		Key:    key,
		Bytes:  len(artifact.Payload),
	})
	if err != nil {
		return fmt.Errorf("marshal payload pointer: %w", err)
	}

	offloaded := *artifact
	offloaded.Storage = domain.ArtifactStorageExternal
	offloaded.Payload = pointer
	if err := s.inner.UpsertArtifact(ctx, &offloaded); err != nil {
		return err
	}
	artifact.CreatedAt = offloaded.CreatedAt
	return nil
}

// ListArtifacts delegates to the inner store. Offloaded rows come back with
// their pointer payloads; use ResolvePayload to fetch the full body.
func (s *ArtifactStore) ListArtifacts(ctx context.Context, runID string) ([]domain.Artifact, error) {
	return s.inner.ListArtifacts(ctx, runID)
}

// ResolvePayload returns the full payload of an artifact, fetching from
// object storage when the row holds a pointer.
func (s *ArtifactStore) ResolvePayload(ctx context.Context, artifact *domain.Artifact) (json.RawMessage, error) {
	if artifact.Storage != domain.ArtifactStorageExternal {
		return artifact.Payload, nil
	}

	var pointer PayloadPointer
	if err := json.Unmarshal(artifact.Payload, &pointer); err != nil {
		return nil, fmt.Errorf("parse payload pointer for %s: %w", artifact.ID, err)
	}
	data, err := s.objects.Get(ctx, pointer.Key)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("payload object %s missing for artifact %s", pointer.Key, artifact.ID)
	}
	return data, nil
}
