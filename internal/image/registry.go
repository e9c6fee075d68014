// Package image tracks the executable images loaded by the traced process
// and decides which of them are interesting for analysis.
package image

import "sync"

// Image describes one loaded executable image. Fields are immutable after
// registration.
type Image struct {
	// Interesting marks images whose code the analysis focuses on
	Interesting bool
	// Name is the image path as reported by the agent
	Name string
	// Start is the lowest mapped code address
	Start uint64
	// End is the highest mapped code address, inclusive
	End uint64
}

// ContainsBlock reports whether the basic block spanning [first, last]
// lies entirely inside the image.
func (img *Image) ContainsBlock(first, last uint64) bool {
	return img.Start <= first && last <= img.End
}

// Registry stores loaded images in registration order. Registration
// happens on the event path while instrumentation decisions may read from
// other goroutines, so access is guarded.
type Registry struct {
	mu     sync.RWMutex
	images []*Image
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an image and returns it.
func (r *Registry) Register(interesting bool, name string, start, end uint64) *Image {
	img := &Image{Interesting: interesting, Name: name, Start: start, End: end}
	r.mu.Lock()
	r.images = append(r.images, img)
	r.mu.Unlock()
	return img
}

// Len returns the number of registered images.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.images)
}

// Snapshot returns the registered images in registration order.
func (r *Registry) Snapshot() []*Image {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Image(nil), r.images...)
}

// FindBlock returns the first image fully containing the basic block
// [first, last], or nil when the block belongs to no known image.
func (r *Registry) FindBlock(first, last uint64) *Image {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, img := range r.images {
		if img.ContainsBlock(first, last) {
			return img
		}
	}
	return nil
}
