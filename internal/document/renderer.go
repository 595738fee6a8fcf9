package document

import (
	"bytes"
	"fmt"
	"image/png"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/code128"
	"github.com/boombuler/barcode/qr"
	"github.com/cockroachdb/errors"
	"github.com/go-pdf/fpdf"

	"github.com/zombor/fleet-fuel/internal/fuelnet"
)

const (
	fontFamily   = "coupon"
	qrSize       = 50.0
	barcodeWidth = 100.0
	barcodeHigh  = 18.0
)

// RendererConfig configures a Renderer.
type RendererConfig struct {
	// CompanyName is printed as the issuer of the coupon.
	CompanyName string
	// FontPath points to a TTF font with Cyrillic glyphs. Without one the
	// text is transliterated and set in Helvetica.
	FontPath string
	Now      func() time.Time
}

// Renderer draws a coupon as an A5 PDF with a QR code and a Code 128
// barcode of the coupon number.
type Renderer struct {
	company string
	font    []byte
	now     func() time.Time
}

// NewRenderer creates a Renderer, reading the font file if configured.
func NewRenderer(cfg RendererConfig) (*Renderer, error) {
	r := &Renderer{company: cfg.CompanyName, now: cfg.Now}
	if r.now == nil {
		r.now = time.Now
	}
	if cfg.FontPath != "" {
		font, err := os.ReadFile(cfg.FontPath)
		if err != nil {
			return nil, errors.Wrapf(err, "reading font %s", cfg.FontPath)
		}
		r.font = font
	}
	return r, nil
}

// Render produces the PDF bytes for c.
func (r *Renderer) Render(c fuelnet.Coupon, d Details) ([]byte, error) {
	if c.Number == "" {
		return nil, errors.New("coupon has no number")
	}

	pdf := fpdf.New("P", "mm", "A5", "")
	pdf.SetCreationDate(r.now())
	pdf.SetAutoPageBreak(false, 10)

	family, text := "Helvetica", Transliterate
	if len(r.font) > 0 {
		pdf.AddUTF8FontFromBytes(fontFamily, "", r.font)
		family, text = fontFamily, func(s string) string { return s }
	}
	pdf.SetTitle(text(fmt.Sprintf("Талон %s", c.Number)), len(r.font) > 0)
	pdf.AddPage()

	pageW, _ := pdf.GetPageSize()

	pdf.SetFont(family, "", 20)
	pdf.CellFormat(0, 12, text("Талон на пальне"), "", 1, "C", false, 0, "")
	if r.company != "" {
		pdf.SetFont(family, "", 11)
		pdf.CellFormat(0, 7, text(r.company), "", 1, "C", false, 0, "")
	}
	pdf.Ln(4)

	pdf.SetFont(family, "", 36)
	pdf.CellFormat(0, 18, fmt.Sprintf("%d %s", c.Nominal, text("л")), "", 1, "C", false, 0, "")
	pdf.Ln(2)

	fuel := c.FuelType
	if fuel == "" {
		fuel = fuelnet.DefaultFuelType
	}
	rows := [][2]string{
		{"Номер", c.Number},
		{"Пальне", fuel},
	}
	if v := c.ValidToDate(); v != "" {
		rows = append(rows, [2]string{"Дійсний до", v})
	}
	if d.Plate != "" {
		rows = append(rows, [2]string{"Авто", d.Plate})
	}
	if !d.IssuedAt.IsZero() {
		rows = append(rows, [2]string{"Видано", d.IssuedAt.Format("02.01.2006 15:04")})
	}
	pdf.SetFont(family, "", 12)
	for _, row := range rows {
		pdf.CellFormat(40, 8, text(row[0])+":", "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 8, text(row[1]), "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)

	qrPNG, err := qrCode(c)
	if err != nil {
		return nil, err
	}
	y := pdf.GetY()
	opts := fpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("qr", opts, bytes.NewReader(qrPNG))
	pdf.ImageOptions("qr", (pageW-qrSize)/2, y, qrSize, qrSize, false, opts, 0, "")
	y += qrSize + 4

	// Code 128 only carries ASCII; the QR code is enough otherwise.
	if barPNG, err := barCode(c.Number); err == nil {
		pdf.RegisterImageOptionsReader("code128", opts, bytes.NewReader(barPNG))
		pdf.ImageOptions("code128", (pageW-barcodeWidth)/2, y, barcodeWidth, barcodeHigh, false, opts, 0, "")
		y += barcodeHigh + 2
	}
	pdf.SetXY(0, y)
	pdf.SetFont("Courier", "", 11)
	pdf.CellFormat(pageW, 6, Transliterate(c.Number), "", 1, "C", false, 0, "")

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, errors.Wrap(err, "writing PDF")
	}
	return buf.Bytes(), nil
}

// qrCode encodes the provider's QR payload when present, else the number.
func qrCode(c fuelnet.Coupon) ([]byte, error) {
	payload := c.QR
	if payload == "" {
		payload = c.Number
	}
	code, err := qr.Encode(payload, qr.M, qr.Auto)
	if err != nil {
		return nil, errors.Wrap(err, "encoding QR code")
	}
	return encodeCode(code, 300, 300)
}

func barCode(number string) ([]byte, error) {
	code, err := code128.Encode(number)
	if err != nil {
		return nil, errors.Wrap(err, "encoding barcode")
	}
	return encodeCode(code, 600, 120)
}

func encodeCode(code barcode.Barcode, w, h int) ([]byte, error) {
	scaled, err := barcode.Scale(code, w, h)
	if err != nil {
		return nil, errors.Wrap(err, "scaling code")
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		return nil, errors.Wrap(err, "encoding code image")
	}
	return buf.Bytes(), nil
}

var translit = map[rune]string{
	'а': "a", 'б': "b", 'в': "v", 'г': "h", 'ґ': "g", 'д': "d", 'е': "e", 'є': "ie",
	'ж': "zh", 'з': "z", 'и': "y", 'і': "i", 'ї': "i", 'й': "i", 'к': "k", 'л': "l",
	'м': "m", 'н': "n", 'о': "o", 'п': "p", 'р': "r", 'с': "s", 'т': "t", 'у': "u",
	'ф': "f", 'х': "kh", 'ц': "ts", 'ч': "ch", 'ш': "sh", 'щ': "shch", 'ь': "", 'ю': "iu",
	'я': "ia", 'ы': "y", 'э': "e", 'ё': "io", 'ъ': "", '’': "",
}

// Transliterate maps Ukrainian Cyrillic to Latin letters so the text can
// be set in a core PDF font. Other non-ASCII runes become '?'.
func Transliterate(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r < 128 {
			b.WriteRune(r)
			continue
		}
		lower := unicode.ToLower(r)
		latin, ok := translit[lower]
		if !ok {
			b.WriteByte('?')
			continue
		}
		if lower != r && latin != "" {
			latin = strings.ToUpper(latin[:1]) + latin[1:]
		}
		b.WriteString(latin)
	}
	return b.String()
}
