package navigator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/logging"
)

// LayoutAdvisor locates a form on pages no rule-based strategy understands,
// typically a vision or language model behind an API.
type LayoutAdvisor interface {
	Advise(ctx context.Context, p Page) (Form, error)
}

// Assisted asks a LayoutAdvisor first and falls back to another strategy for
// everything the advisor cannot answer.
type Assisted struct {
	Advisor  LayoutAdvisor
	Fallback FormStrategy
	Log      *slog.Logger
}

func (a *Assisted) Name() string { return "assisted" }

func (a *Assisted) Locate(ctx context.Context, p Page) (Form, error) {
	if a.Advisor != nil {
		form, err := a.Advisor.Advise(ctx, p)
		if err == nil && len(form.Fields) > 0 {
			if form.Action == "" {
				form.Action = p.URL
			}
			return form, nil
		}
		if ctx.Err() != nil {
			return Form{}, ctx.Err()
		}
		a.logger().Warn("layout advisor failed, using fallback", "url", p.URL, "err", err)
	}
	return a.Fallback.Locate(ctx, p)
}

func (a *Assisted) ApplyLink(p Page) (string, bool) { return a.Fallback.ApplyLink(p) }

func (a *Assisted) Values(form Form, in FillInput) ([]domain.FieldValue, error) {
	return a.Fallback.Values(form, in)
}

func (a *Assisted) Inspect(p Page) Signals { return a.Fallback.Inspect(p) }

func (a *Assisted) logger() *slog.Logger {
	if a.Log == nil {
		return logging.Discard()
	}
	return a.Log
}

// HTTPAdvisor posts the page to an advisor service that answers with a form
// description.
type HTTPAdvisor struct {
	Endpoint string
	Client   *http.Client
}

type adviseRequest struct {
	URL  string `json:"url"`
	HTML string `json:"html"`
}

type adviseResponse struct {
	Action  string `json:"action"`
	Method  string `json:"method"`
	Enctype string `json:"enctype"`
	Submit  string `json:"submit"`
	Fields  []struct {
		Name     string   `json:"name"`
		Selector string   `json:"selector"`
		Kind     string   `json:"kind"`
		Label    string   `json:"label"`
		Required bool     `json:"required"`
		Options  []string `json:"options"`
	} `json:"fields"`
}

func (h HTTPAdvisor) Advise(ctx context.Context, p Page) (Form, error) {
	body, err := json.Marshal(adviseRequest{URL: p.URL, HTML: p.HTML})
	if err != nil {
		return Form{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Form{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Form{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return Form{}, fmt.Errorf("advisor status %d", resp.StatusCode)
	}

	var ar adviseResponse
	if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
		return Form{}, fmt.Errorf("decode advisor response: %w", err)
	}
	form := Form{
		Action:  resolveURL(p.URL, ar.Action),
		Method:  ar.Method,
		Enctype: ar.Enctype,
		Submit:  ar.Submit,
		Hidden:  map[string]string{},
	}
	if form.Method == "" {
		form.Method = http.MethodPost
	}
	for _, f := range ar.Fields {
		form.Fields = append(form.Fields, Field{
			Name: f.Name, Selector: f.Selector, Kind: FieldKind(f.Kind),
			Label: f.Label, Required: f.Required, Options: f.Options,
		})
	}
	if len(form.Fields) == 0 {
		return Form{}, domain.ErrFormNotFound
	}
	return form, nil
}
