package regmig

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash"

	"github.com/chainforge/regmig/registry"
	"github.com/chainforge/regmig/remote"
)

// UploadService stores a metadata blob on a content-addressed service and
// returns the URI it is reachable under. Uploading the same blob twice
// should return the same URI, but the engine does not rely on it.
type UploadService interface {
	Upload(ctx context.Context, blob []byte) (uri string, err error)
}

// WorldMeta is the uploadable description of the world itself, rendered
// from the profile's world section.
type WorldMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IconURI     string `json:"icon_uri,omitempty"`
	Website     string `json:"website,omitempty"`
}

func worldMetaOf(w WorldConfig) WorldMeta {
	return WorldMeta{
		Name:        w.Name,
		Description: w.Description,
		IconURI:     w.IconURI,
		Website:     w.Website,
	}
}

// hashMeta renders metadata to its canonical uploaded form and hashes it.
// The blob is exactly what the upload service receives, so the stored hash
// identifies the stored content.
func hashMeta(meta any) ([]byte, remote.Hash, error) {
	blob, err := json.Marshal(meta)
	if err != nil {
		return nil, 0, fmt.Errorf("metadata encode: %w", err)
	}
	return blob, remote.Hash(xxhash.Sum64(blob)), nil
}

// UploadMetadata pushes the world and per-resource metadata the profile
// declares, skipping every entry whose content hash already matches the
// remote record, and points the registry at the new URIs. It is a separate
// pass, not part of Migrate. Returns the number of updated entries.
func (m *Migration) UploadMetadata(ctx context.Context, svc UploadService) (int, error) {
	m.progress.Step("Uploading metadata...")

	invoker := m.newInvoker()

	blob, hash, err := hashMeta(worldMetaOf(m.profile.World))
	if err != nil {
		return 0, err
	}
	if hash != m.diff.Registry.MetaHash {
		uri, err := svc.Upload(ctx, blob)
		if err != nil {
			return 0, fmt.Errorf("world metadata upload: %w", err)
		}
		m.log.Debug("world metadata updated", "uri", uri, "hash", hash)
		invoker.AddCall(m.registry.SetMetadataCall("world", registry.RegistrySelector, uri, hash))
	}

	tags := make([]string, 0, len(m.profile.Metadata))
	for tag := range m.profile.Metadata {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	for _, tag := range tags {
		sel := registry.SelectorFromTag(tag)
		current := remote.Hash(0)
		if res, ok := m.diff.Resources[sel]; ok && res.Remote != nil {
			current = res.Remote.MetaHash
		}

		blob, hash, err := hashMeta(m.profile.Metadata[tag])
		if err != nil {
			return 0, err
		}
		if hash == current {
			continue
		}
		uri, err := svc.Upload(ctx, blob)
		if err != nil {
			return 0, fmt.Errorf("metadata upload for %s: %w", tag, err)
		}
		m.log.Debug("resource metadata updated", "tag", tag, "uri", uri, "hash", hash)
		invoker.AddCall(m.registry.SetMetadataCall(tag, sel, uri, hash))
	}

	updated := len(invoker.Calls)
	m.progress.Step(fmt.Sprintf("Uploading %d metadata updates...", updated))
	if err := invoker.Flush(ctx, m.batch()); err != nil {
		return 0, err
	}
	return updated, nil
}
