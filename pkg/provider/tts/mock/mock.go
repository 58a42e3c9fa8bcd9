// Package mock provides a mock implementation of the tts.Provider interface
// for testing.
package mock

import (
	"context"
	"sync"

	"github.com/mntsk/kaiwa/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

// Provider is a configurable mock for tts.Provider.
//
// Results are served per call: the nth Synthesize call returns Results[n]
// (and Errs[n] if set). When the call index runs past the configured slices,
// Result and Err are used as the steady-state response. All fields should be
// set before use; call recording is safe for concurrent use.
type Provider struct {
	// Results and Errs are consumed one per Synthesize call, in order.
	Results []tts.Result
	Errs    []error

	// Result and Err back any Synthesize call beyond the slices above.
	Result tts.Result
	Err    error

	// SynthesizeFn, if non-nil, overrides all canned responses.
	SynthesizeFn func(ctx context.Context, req tts.Request) (tts.Result, error)

	// Voices and VoicesErr configure ListVoices.
	Voices    []tts.VoiceProfile
	VoicesErr error

	mu              sync.Mutex
	synthesizeCalls []tts.Request
	voicesCalls     int
}

// Synthesize records the request and returns the configured response for this
// call index.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	p.mu.Lock()
	idx := len(p.synthesizeCalls)
	p.synthesizeCalls = append(p.synthesizeCalls, req)
	p.mu.Unlock()

	if p.SynthesizeFn != nil {
		return p.SynthesizeFn(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return tts.Result{}, err
	}

	if idx < len(p.Errs) && p.Errs[idx] != nil {
		return tts.Result{}, p.Errs[idx]
	}
	if idx < len(p.Results) {
		return p.Results[idx], nil
	}
	if p.Err != nil {
		return tts.Result{}, p.Err
	}
	return p.Result, nil
}

// ListVoices returns the configured voice list.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	p.voicesCalls++
	p.mu.Unlock()

	if p.VoicesErr != nil {
		return nil, p.VoicesErr
	}
	return p.Voices, nil
}

// SynthesizeCalls returns a copy of all recorded Synthesize requests.
func (p *Provider) SynthesizeCalls() []tts.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]tts.Request, len(p.synthesizeCalls))
	copy(out, p.synthesizeCalls)
	return out
}

// SynthesizeCallCount returns the number of Synthesize calls so far.
func (p *Provider) SynthesizeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.synthesizeCalls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.synthesizeCalls = nil
	p.voicesCalls = 0
}
