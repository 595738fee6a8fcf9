// Package document produces the artifact handed to the operator for an
// allocated coupon.
package document

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/zombor/fleet-fuel/internal/fuelnet"
)

// ErrInvalidDocument marks provider bytes that are not a usable PDF.
var ErrInvalidDocument = errors.New("provider document is not a valid PDF")

// Kind tells which fallback level produced a Document.
type Kind int

const (
	ProviderPDF Kind = iota
	LocalPDF
	TextSummary
)

func (k Kind) String() string {
	switch k {
	case ProviderPDF:
		return "provider_pdf"
	case LocalPDF:
		return "local_pdf"
	default:
		return "text"
	}
}

// Source retrieves the provider's own document for a coupon.
type Source interface {
	CouponDocument(ctx context.Context, c fuelnet.Coupon) ([]byte, error)
}

// Inspector opens a PDF and counts its pages.
type Inspector interface {
	PageCount(data []byte) (int, error)
}

// Storage keeps produced PDFs.
type Storage interface {
	Save(filename string, data []byte) (string, error)
}

// Details describes the fueling the coupon was issued for.
type Details struct {
	Plate    string
	Liters   string
	IssuedAt time.Time
}

// Document is what the operator receives. Text is always set and serves
// as the caption when Data holds a PDF.
type Document struct {
	Kind     Kind
	Filename string
	Data     []byte
	Text     string
	Path     string
}

// IsPDF reports whether the document carries a PDF file.
func (d Document) IsPDF() bool {
	return d.Kind != TextSummary && len(d.Data) > 0
}

// Issuer picks the best document available for a coupon.
type Issuer struct {
	source    Source
	inspector Inspector
	renderer  *Renderer
	storage   Storage
}

// NewIssuer creates an Issuer. Any dependency may be nil, which skips the
// corresponding level.
func NewIssuer(source Source, inspector Inspector, renderer *Renderer, storage Storage) *Issuer {
	return &Issuer{source: source, inspector: inspector, renderer: renderer, storage: storage}
}

// Issue returns the provider PDF when it can be fetched and opened, else
// a locally rendered PDF, else a text summary. It never fails: every
// problem is logged and the next level is tried.
func (i *Issuer) Issue(ctx context.Context, c fuelnet.Coupon, d Details) Document {
	doc := Document{Kind: TextSummary, Text: Summary(c, d)}
	filename := Filename(c)

	if data, err := i.providerPDF(ctx, c); err == nil {
		doc.Kind, doc.Data, doc.Filename = ProviderPDF, data, filename
	} else {
		slog.Warn("Provider coupon document unavailable", "coupon", c.Number, "error", err)
		if i.renderer != nil {
			data, err := i.renderer.Render(c, d)
			if err != nil {
				slog.Error("Failed to render coupon document", "coupon", c.Number, "error", err)
			} else {
				doc.Kind, doc.Data, doc.Filename = LocalPDF, data, filename
			}
		}
	}

	if doc.IsPDF() && i.storage != nil {
		path, err := i.storage.Save(filename, doc.Data)
		if err != nil {
			slog.Warn("Failed to save coupon document", "coupon", c.Number, "error", err)
		} else {
			doc.Path = path
		}
	}

	slog.Info("Coupon document issued", "coupon", c.Number, "kind", doc.Kind.String(), "path", doc.Path)
	return doc
}

func (i *Issuer) providerPDF(ctx context.Context, c fuelnet.Coupon) ([]byte, error) {
	if i.source == nil {
		return nil, errors.New("no provider source configured")
	}
	data, err := i.source.CouponDocument(ctx, c)
	if err != nil {
		return nil, errors.Wrap(err, "fetching provider document")
	}
	if !fuelnet.IsPDF(data) {
		return nil, errors.Mark(errors.New("missing PDF signature"), ErrInvalidDocument)
	}
	if i.inspector == nil {
		return data, nil
	}
	pages, err := i.inspector.PageCount(data)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "inspecting provider document"), ErrInvalidDocument)
	}
	if pages < 1 {
		return nil, errors.Mark(errors.Newf("document has %d pages", pages), ErrInvalidDocument)
	}
	return data, nil
}

var unsafeFilename = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Filename is the storage name of a coupon's PDF.
func Filename(c fuelnet.Coupon) string {
	name := unsafeFilename.ReplaceAllString(c.Number, "_")
	if name == "" {
		name = "unknown"
	}
	return "coupon_" + name + ".pdf"
}

// Summary is the plain text rendition of a coupon.
func Summary(c fuelnet.Coupon, d Details) string {
	var b strings.Builder
	b.WriteString("🎫 Талон на пальне\n")
	fmt.Fprintf(&b, "Номінал: %d л\n", c.Nominal)
	fmt.Fprintf(&b, "Номер: %s\n", c.Number)
	if v := c.ValidToDate(); v != "" {
		fmt.Fprintf(&b, "Дійсний до: %s\n", v)
	}
	fuel := c.FuelType
	if fuel == "" {
		fuel = fuelnet.DefaultFuelType
	}
	fmt.Fprintf(&b, "Пальне: %s\n", fuel)
	if d.Plate != "" {
		fmt.Fprintf(&b, "Авто: %s\n", d.Plate)
	}
	if d.Liters != "" {
		fmt.Fprintf(&b, "Заправлено: %s л\n", d.Liters)
	}
	if !d.IssuedAt.IsZero() {
		fmt.Fprintf(&b, "Видано: %s\n", d.IssuedAt.Format("02.01.2006 15:04"))
	}
	return strings.TrimRight(b.String(), "\n")
}
