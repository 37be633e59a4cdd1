package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/franksops/blobshift/provider"
)

// fakeSource serves fixed pages keyed by marker and object content by name.
type fakeSource struct {
	mu sync.Mutex

	pages   map[string]provider.Page
	content map[string][]byte

	// listErrs are returned, in order, before pages are served.
	listErrs []error
	// fetchErrs are returned for a name instead of its content.
	fetchErrs map[string]error

	listCalls []string
	fetches   map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		pages:     make(map[string]provider.Page),
		content:   make(map[string][]byte),
		fetchErrs: make(map[string]error),
		fetches:   make(map[string]int),
	}
}

func (f *fakeSource) List(ctx context.Context, marker string, limit int) (provider.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls = append(f.listCalls, marker)
	if len(f.listErrs) > 0 {
		err := f.listErrs[0]
		f.listErrs = f.listErrs[1:]
		return provider.Page{}, err
	}
	page, ok := f.pages[marker]
	if !ok {
		return provider.Page{}, fmt.Errorf("unexpected marker %q", marker)
	}
	return page, nil
}

func (f *fakeSource) Fetch(ctx context.Context, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches[name]++
	if err, ok := f.fetchErrs[name]; ok {
		return nil, err
	}
	data, ok := f.content[name]
	if !ok {
		return nil, &provider.Error{Op: "fetch", Key: name, Kind: provider.ErrNotFound, Err: fmt.Errorf("no such blob")}
	}
	return data, nil
}

func (f *fakeSource) fetchCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[name]
}

type put struct {
	key      string
	content  string
	checksum string
}

// fakeDestination records every Put.
type fakeDestination struct {
	mu   sync.Mutex
	puts []put
	err  error
}

func (f *fakeDestination) Put(ctx context.Context, key string, content []byte, checksum string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.puts = append(f.puts, put{key: key, content: string(content), checksum: checksum})
	return nil
}

func (f *fakeDestination) recorded() []put {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]put(nil), f.puts...)
}

func transientErr(op string) error {
	return &provider.Error{Op: op, Kind: provider.ErrTransient, Err: fmt.Errorf("connection reset by peer")}
}
