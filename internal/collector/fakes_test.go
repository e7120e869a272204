package collector

import (
	"context"
	"errors"
	"sync"

	"github.com/LJTian/SourcePulse/internal/browser"
)

type fakePage struct {
	mu       sync.Mutex
	byURL    map[string]browser.Rendered
	err      error
	visited  []string
	opts     []browser.RenderOptions
	released int
}

func (p *fakePage) Render(_ context.Context, url string, opts browser.RenderOptions) (browser.Rendered, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.visited = append(p.visited, url)
	p.opts = append(p.opts, opts)
	if p.err != nil {
		return browser.Rendered{}, p.err
	}
	res, ok := p.byURL[url]
	if !ok {
		return browser.Rendered{}, errors.New("unexpected url " + url)
	}
	return res, nil
}

func (p *fakePage) Release() {
	p.mu.Lock()
	p.released++
	p.mu.Unlock()
}

type fakePages struct {
	page     *fakePage
	err      error
	acquired int
}

func (f *fakePages) AcquirePage(context.Context) (browser.Page, error) {
	f.acquired++
	if f.err != nil {
		return nil, f.err
	}
	return f.page, nil
}
