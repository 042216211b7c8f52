package domain

import "context"

// Capability names the kind of external work a provider performs.
type Capability string

const (
	CapabilityText   Capability = "text"
	CapabilityImage  Capability = "image"
	CapabilitySocial Capability = "social"
)

// Params carries the input for one provider invocation. Keys are
// capability-specific: text providers read "prompt", image providers read
// "prompt", social publishers read "content" and optionally "image_reference".
type Params map[string]string

// Prompt returns the "prompt" parameter.
func (p Params) Prompt() string { return p["prompt"] }

// Result is the uniform output of a provider invocation.
type Result struct {
	Text           string // generated text, for text capability
	ImageReference string // stored image path/URL, for image capability
	PostID         string // platform post id, for social capability
	Provider       string // name of the provider that produced the result
}

// Provider is one implementation of an external capability. Implementations
// must honor ctx cancellation; every network call happens inside Invoke.
type Provider interface {
	Name() string
	Capability() Capability
	Invoke(ctx context.Context, params Params) (*Result, error)
}
