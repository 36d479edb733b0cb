package capture

import (
	"sync"

	"github.com/google/uuid"
)

// PreviewHandle is an opaque reference to preview bytes held by a
// PreviewRegistry. A handle is valid until released.
type PreviewHandle string

type previewEntry struct {
	data      []byte
	mediaType string
}

// PreviewRegistry owns preview resources for assets. Every handle it issues
// must eventually be released; Count exposes the outstanding total.
type PreviewRegistry struct {
	mu      sync.Mutex
	entries map[PreviewHandle]previewEntry
}

func NewPreviewRegistry() *PreviewRegistry {
	return &PreviewRegistry{entries: make(map[PreviewHandle]previewEntry)}
}

// Register stores data and returns a fresh handle for it.
func (r *PreviewRegistry) Register(data []byte, mediaType string) PreviewHandle {
	h := PreviewHandle(uuid.New().String())
	r.mu.Lock()
	r.entries[h] = previewEntry{data: data, mediaType: mediaType}
	r.mu.Unlock()
	return h
}

// Open returns the bytes behind a live handle.
func (r *PreviewRegistry) Open(h PreviewHandle) ([]byte, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[h]
	if !ok {
		return nil, "", ErrPreviewNotFound
	}
	return e.data, e.mediaType, nil
}

// Release frees the given handles. Unknown or already released handles are ignored.
func (r *PreviewRegistry) Release(handles ...PreviewHandle) {
	r.mu.Lock()
	for _, h := range handles {
		delete(r.entries, h)
	}
	r.mu.Unlock()
}

// Count returns the number of outstanding handles.
func (r *PreviewRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Attach registers a preview for each asset in place.
func (r *PreviewRegistry) Attach(assets []ImageAsset) {
	for i := range assets {
		assets[i].Preview = r.Register(assets[i].Data, assets[i].MediaType)
	}
}

// Detach releases the previews of the given assets.
func (r *PreviewRegistry) Detach(assets []ImageAsset) {
	handles := make([]PreviewHandle, 0, len(assets))
	for _, a := range assets {
		if a.Preview != "" {
			handles = append(handles, a.Preview)
		}
	}
	r.Release(handles...)
}
