// Package providers contains built-in AIProvider implementations. The echo
// provider is an offline stand-in used by the CLI and tests; real vendor
// adapters plug in from outside this module.
package providers

import (
	"context"
	"strings"
	"time"

	"github.com/ternarybob/conductor/internal/interfaces"
)

// EchoProvider is a deterministic offline provider. It mirrors the prompt
// back with a fixed prefix, optionally after a configured delay, and can be
// primed to fail a number of times. Useful for exercising the orchestration
// layer without network access or credentials.
type EchoProvider struct {
	name     string
	delay    time.Duration
	failures int
	failErr  error
}

var _ interfaces.AIProvider = (*EchoProvider)(nil)

// NewEchoProvider returns an echo provider registered under the given name.
func NewEchoProvider(name string) *EchoProvider {
	if name == "" {
		name = "echo"
	}
	return &EchoProvider{name: name}
}

// WithDelay makes every call sleep before responding.
func (p *EchoProvider) WithDelay(d time.Duration) *EchoProvider {
	p.delay = d
	return p
}

// FailTimes primes the provider to return err for the next n calls.
func (p *EchoProvider) FailTimes(n int, err error) *EchoProvider {
	p.failures = n
	p.failErr = err
	return p
}

func (p *EchoProvider) Name() string {
	return p.name
}

func (p *EchoProvider) GenerateText(ctx context.Context, prompt string, opts *interfaces.GenerateOptions) (string, error) {
	if err := p.wait(ctx); err != nil {
		return "", err
	}
	if p.failures > 0 {
		p.failures--
		return "", p.failErr
	}
	return p.respond(prompt, opts), nil
}

func (p *EchoProvider) GenerateStream(ctx context.Context, prompt string, opts *interfaces.GenerateOptions) (<-chan interfaces.StreamChunk, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	if p.failures > 0 {
		p.failures--
		return nil, p.failErr
	}

	out := make(chan interfaces.StreamChunk)
	words := strings.Fields(p.respond(prompt, opts))
	go func() {
		defer close(out)
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			select {
			case out <- interfaces.StreamChunk{Text: w}:
			case <-ctx.Done():
				out <- interfaces.StreamChunk{Err: ctx.Err()}
				return
			}
		}
	}()
	return out, nil
}

func (p *EchoProvider) respond(prompt string, opts *interfaces.GenerateOptions) string {
	var b strings.Builder
	if opts != nil && opts.SystemInstruction != "" {
		b.WriteString("[")
		b.WriteString(opts.SystemInstruction)
		b.WriteString("] ")
	}
	b.WriteString("echo: ")
	b.WriteString(prompt)
	return b.String()
}

func (p *EchoProvider) wait(ctx context.Context) error {
	if p.delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(p.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
