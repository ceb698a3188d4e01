package domain

import "strings"

// Flavor selects the payload builder and provider used for a generation.
type Flavor string

const (
	FlavorJimeng      Flavor = "jimeng"
	FlavorGPT4o       Flavor = "gpt4o"
	FlavorKontext     Flavor = "kontext"
	FlavorGemini      Flavor = "gemini"
	FlavorGeminiMulti Flavor = "gemini-multi"
	FlavorCover       Flavor = "cover"
	FlavorChart       Flavor = "chart"
)

// Flavors lists every supported flavor in display order.
var Flavors = []Flavor{FlavorJimeng, FlavorGPT4o, FlavorKontext, FlavorGemini, FlavorGeminiMulti, FlavorCover, FlavorChart}

// ParseFlavor normalises user input; ok is false for unknown flavors.
func ParseFlavor(s string) (Flavor, bool) {
	candidate := Flavor(strings.ToLower(strings.TrimSpace(s)))
	for _, f := range Flavors {
		if f == candidate {
			return f, true
		}
	}
	return "", false
}

// NeedsReference reports whether the flavor edits uploaded images.
func (f Flavor) NeedsReference() bool {
	return f == FlavorKontext || f == FlavorGemini || f == FlavorGeminiMulti
}

// ProviderParams carries the provider specific knobs of a submission.
type ProviderParams struct {
	Size       string   `json:"size,omitempty"`
	Model      string   `json:"model,omitempty"`
	Style      string   `json:"style,omitempty"`
	ChartType  string   `json:"chart_type,omitempty"`
	References []string `json:"references,omitempty"`
}

// GenerationRequest is created per submission and never mutated after dispatch.
type GenerationRequest struct {
	Flavor       Flavor         `json:"flavor"`
	Prompt       string         `json:"prompt"`
	VariantCount int            `json:"variant_count"`
	Params       ProviderParams `json:"params"`
	RequestID    string         `json:"-"`
}

// CallKind discriminates the outcomes of a single provider call.
type CallKind int

const (
	CallImmediate CallKind = iota + 1
	CallJob
	CallFailure
)

// JobHandle identifies a pending job on an asynchronous provider.
type JobHandle struct {
	PollURL   string `json:"poll_url"`
	RequestID string `json:"request_id,omitempty"`
}

// CallResult is the outcome of one provider call: exactly one of Images, Handle or Err is meaningful, per Kind.
type CallResult struct {
	Kind   CallKind
	Images []ImageRef
	Handle JobHandle
	Err    error
}

func Immediate(images []ImageRef) CallResult { return CallResult{Kind: CallImmediate, Images: images} }
func Pending(handle JobHandle) CallResult    { return CallResult{Kind: CallJob, Handle: handle} }
func Failed(err error) CallResult            { return CallResult{Kind: CallFailure, Err: err} }

// VariantFailure records why one variant of a fan-out contributed no images.
type VariantFailure struct {
	Variant int    `json:"variant"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// GenerationResult is the flattened outcome of a submission. len(Images) never exceeds
// Requested; failed variants contribute nothing.
type GenerationResult struct {
	Flavor    Flavor           `json:"flavor"`
	Requested int              `json:"requested"`
	Images    []ImageRef       `json:"images"`
	Failures  []VariantFailure `json:"failures,omitempty"`
	// Truncated counts images providers returned beyond one per variant.
	Truncated int              `json:"truncated,omitempty"`
}
