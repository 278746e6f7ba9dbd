package navigator

import (
	"context"

	"jobapply-engine/internal/domain"
)

// Page is a loaded document.
type Page struct {
	URL    string
	Status int
	HTML   string
}

type FieldKind string

const (
	KindText     FieldKind = "text"
	KindEmail    FieldKind = "email"
	KindTel      FieldKind = "tel"
	KindNumber   FieldKind = "number"
	KindURL      FieldKind = "url"
	KindTextarea FieldKind = "textarea"
	KindSelect   FieldKind = "select"
	KindRadio    FieldKind = "radio"
	KindCheckbox FieldKind = "checkbox"
	KindFile     FieldKind = "file"
)

// Field is one fillable control of a located form.
type Field struct {
	Name     string
	Selector string
	Kind     FieldKind
	Label    string
	Required bool
	Options  []string
}

// Form is a located application form.
type Form struct {
	Selector string
	Action   string
	Method   string
	Enctype  string
	Fields   []Field
	Hidden   map[string]string
	// Submit is the selector of the submit control, when one was found.
	Submit string
}

// Field returns the field named name.
func (f Form) Field(name string) (Field, bool) {
	for _, fl := range f.Fields {
		if fl.Name == name {
			return fl, true
		}
	}
	return Field{}, false
}

// Challenge is a CAPTCHA or verification step found on a page.
type Challenge struct {
	Kind     string
	SiteKey  string
	ImageURL string
	// Input is the selector of the response field, if the page has one.
	Input   string
	PageURL string
}

// Browser is the raw interaction surface of one session. Implementations
// keep the session's cookies between calls.
type Browser interface {
	Navigate(ctx context.Context, url string) (Page, error)
	Click(ctx context.Context, selector string) (Page, error)
	Fill(ctx context.Context, f Field, value string) error
	// Attach uploads a local file. A missing or unreadable file is reported
	// as a domain.KindFatalConfig failure.
	Attach(ctx context.Context, f Field, path string) error
	Submit(ctx context.Context, form Form) (Page, error)
	Capture(ctx context.Context, c Challenge) ([]byte, error)
	Answer(ctx context.Context, c Challenge, response string) (Page, error)
	Close() error
}

// BrowserFactory opens a Browser bound to a checked-out session.
type BrowserFactory interface {
	Open(ctx context.Context, s domain.BrowserSession) (Browser, error)
}
