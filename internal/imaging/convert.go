// Package imaging normalizes receipt attachments to PNG and inspects PDF
// documents.
package imaging

import (
	"bytes"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// ErrUnsupported marks data in a format that cannot be decoded.
var ErrUnsupported = errors.New("unsupported image format")

// Image is a normalized attachment.
type Image struct {
	Data        []byte
	ContentType string
	// Converted is false when the input already was a PNG.
	Converted bool
}

// Normalize converts an attachment to PNG. A PDF is rendered from its
// first page. An empty content type is treated as JPEG.
func Normalize(data []byte, contentType string) (Image, error) {
	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	switch {
	case mimeType == "application/pdf" || bytes.HasPrefix(data, []byte("%PDF-")):
		out, err := pdfToPNG(data)
		if err != nil {
			return Image{}, errors.Wrap(err, "converting PDF to image")
		}
		return Image{Data: out, ContentType: "image/png", Converted: true}, nil
	case mimeType == "image/png" && !isHEIC(data):
		return Image{Data: data, ContentType: "image/png"}, nil
	default:
		out, err := toPNG(data, mimeType)
		if err != nil {
			return Image{}, errors.Wrap(err, "converting image to PNG")
		}
		return Image{Data: out, ContentType: "image/png", Converted: true}, nil
	}
}

func pdfToPNG(data []byte) ([]byte, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, errors.Wrap(err, "opening PDF")
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, errors.Wrap(err, "rendering PDF page")
	}
	return encodePNG(img)
}

func toPNG(data []byte, mimeType string) ([]byte, error) {
	var (
		img image.Image
		err error
	)
	if isHEIC(data) || strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif") {
		img, err = heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, "decoding HEIC image")
		}
		return encodePNG(img)
	}

	img, _, err = image.Decode(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, errors.Mark(errors.Wrapf(err, "decoding %s", mimeType), ErrUnsupported)
		}
		return nil, errors.Wrap(err, "decoding image")
	}
	return encodePNG(img)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, errors.Wrap(err, "encoding PNG")
	}
	return buf.Bytes(), nil
}

// isHEIC checks for an ftyp box with a HEIC/HEIF brand.
func isHEIC(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

// PDFInspector checks PDFs by opening them.
type PDFInspector struct{}

// PageCount opens data as a PDF and returns its number of pages.
func (PDFInspector) PageCount(data []byte) (int, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return 0, errors.Wrap(err, "opening PDF")
	}
	defer doc.Close()
	return doc.NumPage(), nil
}
