package provider

import (
	"strings"

	"github.com/vnmchuo/modelbridge/internal/canonical"
)

// JSONInstruction is added to the system slot when structured output is
// requested, including for vendors that also get a native JSON switch.
const JSONInstruction = "Respond only with a single valid JSON value. Do not wrap it in markdown code fences or add any text before or after it."

// CheckCapabilities fails before any I/O when the request needs something
// the model does not declare.
func CheckCapabilities(p *Params) error {
	caps := p.Descriptor.Capabilities
	check := func(needed, has bool, name string) error {
		if needed && !has {
			return &canonical.UnsupportedCapabilityError{ModelID: p.Descriptor.ModelID, Capability: name}
		}
		return nil
	}
	hasImages := len(p.Files) > 0
	for _, m := range p.Messages {
		for _, b := range m.Content.Blocks() {
			if b.Type == canonical.BlockImage {
				hasImages = true
			}
		}
	}
	forcesTools := p.ToolChoice != nil && p.ToolChoice.Mode != canonical.ToolChoiceNone && p.ToolChoice.Mode != canonical.ToolChoiceAuto

	for _, err := range []error{
		check(len(p.Tools) > 0 || forcesTools, caps.Tools, "tools"),
		check(hasImages, caps.Vision, "vision"),
		check(p.ResponseFormat == canonical.ResponseFormatJSON, caps.JSONMode, "structured output"),
		check(p.ReasoningBudget > 0, caps.Reasoning, "reasoning"),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

// SplitSystem separates the system turns from the conversation and joins
// their text.
func SplitSystem(msgs []canonical.Message) (string, []canonical.Message) {
	var parts []string
	rest := make([]canonical.Message, 0, len(msgs))
	for _, m := range msgs {
		if canonical.IsSystemMessage(m) {
			if t := strings.TrimSpace(m.Content.Text()); t != "" {
				parts = append(parts, t)
			}
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(parts, "\n\n"), rest
}

// WithJSONInstruction appends the JSON instruction to the system prompt.
func WithJSONInstruction(system string, format canonical.ResponseFormat) string {
	if format != canonical.ResponseFormatJSON {
		return system
	}
	if system == "" {
		return JSONInstruction
	}
	return system + "\n\n" + JSONInstruction
}

// FoldSystem prepends the system prompt to the first user turn, for models
// that reject a system role. A synthetic user turn is created if needed.
func FoldSystem(system string, msgs []canonical.Message) []canonical.Message {
	if system == "" {
		return msgs
	}
	out := make([]canonical.Message, len(msgs))
	copy(out, msgs)
	for i, m := range out {
		if m.Role != canonical.RoleUser {
			continue
		}
		blocks := append([]canonical.Block{canonical.TextBlock(system)}, m.Content.Blocks()...)
		if !m.Content.IsBlocks() {
			out[i].Content = canonical.Text(system + "\n\n" + m.Content.Text())
		} else {
			out[i].Content = canonical.Blocks(blocks...)
		}
		return out
	}
	return append([]canonical.Message{{Role: canonical.RoleUser, Content: canonical.Text(system)}}, out...)
}

// AttachFiles adds request files as image blocks on the last user turn.
func AttachFiles(msgs []canonical.Message, files []canonical.File) []canonical.Message {
	if len(files) == 0 {
		return msgs
	}
	out := make([]canonical.Message, len(msgs))
	copy(out, msgs)
	idx := -1
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].Role == canonical.RoleUser {
			idx = i
			break
		}
	}
	if idx < 0 {
		out = append(out, canonical.Message{Role: canonical.RoleUser})
		idx = len(out) - 1
	}
	blocks := out[idx].Content.Blocks()
	for _, f := range files {
		blocks = append(blocks, canonical.Block{Type: canonical.BlockImage, MediaType: f.MediaType, Data: f.Data, URL: f.URL})
	}
	out[idx].Content = canonical.Blocks(blocks...)
	return out
}
