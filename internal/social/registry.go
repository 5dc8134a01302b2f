package social

import "sync"

// Bundle groups the capability implementations for one provider. Publisher,
// resources, capabilities and URL construction are required; everything else
// is optional and its absence is a queryable fact, not a runtime crash.
type Bundle struct {
	Provider     Provider
	Capabilities Capabilities
	Publisher    Publisher
	Resources    ResourceFetcher
	URLs         URLBuilder

	auth    Authorizer
	editor  PostEditor
	deleter PostDeleter
	metrics MetricsFetcher
}

// BundleOption configures optional capabilities on a Bundle.
type BundleOption func(*Bundle)

// WithAuthorizer attaches the OAuth lifecycle capability.
func WithAuthorizer(a Authorizer) BundleOption { return func(b *Bundle) { b.auth = a } }

// WithEditor attaches the post edit capability.
func WithEditor(e PostEditor) BundleOption { return func(b *Bundle) { b.editor = e } }

// WithDeleter attaches the post delete capability.
func WithDeleter(d PostDeleter) BundleOption { return func(b *Bundle) { b.deleter = d } }

// WithMetrics attaches the analytics capability.
func WithMetrics(m MetricsFetcher) BundleOption { return func(b *Bundle) { b.metrics = m } }

// NewBundle builds a provider bundle from the required capabilities plus
// options for the rest.
func NewBundle(p Provider, caps Capabilities, pub Publisher, res ResourceFetcher, urls URLBuilder, opts ...BundleOption) *Bundle {
	b := &Bundle{Provider: p, Capabilities: caps, Publisher: pub, Resources: res, URLs: urls}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Authorizer returns the OAuth capability when the provider has one.
func (b *Bundle) Authorizer() (Authorizer, bool) { return b.auth, b.auth != nil }

// Editor returns the edit capability when the provider has one.
func (b *Bundle) Editor() (PostEditor, bool) { return b.editor, b.editor != nil }

// Deleter returns the delete capability when the provider has one.
func (b *Bundle) Deleter() (PostDeleter, bool) { return b.deleter, b.deleter != nil }

// Metrics returns the analytics capability when the provider has one.
func (b *Bundle) Metrics() (MetricsFetcher, bool) { return b.metrics, b.metrics != nil }

// Registry maps provider identifiers to their capability bundles. It is the
// only component the surrounding system talks to.
type Registry struct {
	mu      sync.RWMutex
	bundles map[Provider]*Bundle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{bundles: make(map[Provider]*Bundle)}
}

// Register adds or replaces a provider bundle.
func (r *Registry) Register(b *Bundle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bundles[b.Provider] = b
}

// Resolve returns the bundle for a provider id.
func (r *Registry) Resolve(id Provider) (*Bundle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bundles[id]
	if !ok {
		return nil, UnknownProviderError{ID: id}
	}
	return b, nil
}

// Providers lists the registered provider ids.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.bundles))
	for id := range r.bundles {
		out = append(out, id)
	}
	return out
}
