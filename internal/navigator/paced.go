package navigator

import (
	"context"
)

// Pacer gates every outbound interaction. *throttle.Throttle implements it.
type Pacer interface {
	Pace(ctx context.Context, site string) error
}

// pacedBrowser routes every primitive through the pacer before touching the
// site. The navigator only ever talks to a pacedBrowser.
type pacedBrowser struct {
	b     Browser
	pacer Pacer
	site  string
}

type noPacer struct{}

func (noPacer) Pace(ctx context.Context, _ string) error { return ctx.Err() }

func paced(b Browser, p Pacer, site string) *pacedBrowser {
	if p == nil {
		p = noPacer{}
	}
	return &pacedBrowser{b: b, pacer: p, site: site}
}

func (p *pacedBrowser) Navigate(ctx context.Context, url string) (Page, error) {
	if err := p.pacer.Pace(ctx, p.site); err != nil {
		return Page{}, err
	}
	return p.b.Navigate(ctx, url)
}

func (p *pacedBrowser) Click(ctx context.Context, selector string) (Page, error) {
	if err := p.pacer.Pace(ctx, p.site); err != nil {
		return Page{}, err
	}
	return p.b.Click(ctx, selector)
}

func (p *pacedBrowser) Fill(ctx context.Context, f Field, value string) error {
	if err := p.pacer.Pace(ctx, p.site); err != nil {
		return err
	}
	return p.b.Fill(ctx, f, value)
}

func (p *pacedBrowser) Attach(ctx context.Context, f Field, path string) error {
	if err := p.pacer.Pace(ctx, p.site); err != nil {
		return err
	}
	return p.b.Attach(ctx, f, path)
}

func (p *pacedBrowser) Submit(ctx context.Context, form Form) (Page, error) {
	if err := p.pacer.Pace(ctx, p.site); err != nil {
		return Page{}, err
	}
	return p.b.Submit(ctx, form)
}

func (p *pacedBrowser) Capture(ctx context.Context, c Challenge) ([]byte, error) {
	if err := p.pacer.Pace(ctx, p.site); err != nil {
		return nil, err
	}
	return p.b.Capture(ctx, c)
}

func (p *pacedBrowser) Answer(ctx context.Context, c Challenge, response string) (Page, error) {
	if err := p.pacer.Pace(ctx, p.site); err != nil {
		return Page{}, err
	}
	return p.b.Answer(ctx, c, response)
}

func (p *pacedBrowser) Close() error { return p.b.Close() }
