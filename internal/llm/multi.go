package llm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// MultiClient dispatches each call to the provider that serves the
// requested model. Models without an explicit provider go to the
// default provider.
type MultiClient struct {
	defaultProvider string
	providers       map[string]Client
	modelProvider   map[string]string
}

// NewMultiClient creates a dispatcher whose default provider is name,
// served by c. A nil c leaves unmapped models unserved.
func NewMultiClient(name string, c Client) *MultiClient {
	m := &MultiClient{
		defaultProvider: name,
		providers:       make(map[string]Client),
		modelProvider:   make(map[string]string),
	}
	if c != nil {
		m.providers[name] = c
	}
	return m
}

// AddProvider registers c under name, replacing any earlier client.
func (m *MultiClient) AddProvider(name string, c Client) {
	m.providers[name] = c
}

// AddModel pins model to a provider. An empty provider is ignored.
func (m *MultiClient) AddModel(model, provider string) {
	if provider != "" {
		m.modelProvider[model] = provider
	}
}

// ProviderFor returns the provider name that would serve model.
func (m *MultiClient) ProviderFor(model string) string {
	if p, ok := m.modelProvider[model]; ok {
		if _, registered := m.providers[p]; registered {
			return p
		}
	}
	return m.defaultProvider
}

func (m *MultiClient) client(model string) (Client, error) {
	p := m.ProviderFor(model)
	c, ok := m.providers[p]
	if !ok {
		return nil, fmt.Errorf("no provider serves model %q", model)
	}
	return c, nil
}

// Chat sends a non-streaming request.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	c, err := m.client(model)
	if err != nil {
		return nil, err
	}
	return c.Chat(ctx, model, messages, tools)
}

// ChatStream sends a streaming request.
func (m *MultiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	c, err := m.client(model)
	if err != nil {
		return nil, err
	}
	return c.ChatStream(ctx, model, messages, tools, callback)
}

// PingEach checks every registered provider concurrently. The result
// maps provider name to its error, nil when reachable.
func (m *MultiClient) PingEach(ctx context.Context) map[string]error {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string]error, len(m.providers))
	)
	for name, c := range m.providers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Ping(ctx)
			mu.Lock()
			out[name] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// Ping fails when no provider is registered or any provider is down.
func (m *MultiClient) Ping(ctx context.Context) error {
	if len(m.providers) == 0 {
		return errors.New("no providers configured")
	}
	results := m.PingEach(ctx)
	var errs []error
	for _, name := range slices.Sorted(maps.Keys(results)) {
		if err := results[name]; err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
