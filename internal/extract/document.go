package extract

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"gradeflow/internal/models"
)

const defaultPageHeight = 792.0

// Document is the per-page view the extractor needs from a parsed PDF.
type Document interface {
	NumPages() int
	PageText(n int) (string, error)
	// PageDrawings returns the rectangles drawn on page n and the page height
	// in points.
	PageDrawings(n int) ([]models.Rect, float64, error)
}

// Opened is a parsed document plus the bytes and password external tools must
// use to read the same document.
type Opened struct {
	Doc      Document
	Data     []byte
	Password string
}

type Opener func(data []byte, credential string) (Opened, error)

// OpenPDF parses data with ledongthuc/pdf. Documents it cannot decrypt (AES-256)
// are decrypted with pdfcpu when a credential is supplied.
func OpenPDF(data []byte, credential string) (Opened, error) {
	doc, err := newLedongthucDoc(data, credential)
	if err == nil {
		return Opened{Doc: doc, Data: data, Password: credential}, nil
	}
	if errors.Is(err, pdf.ErrInvalidPassword) {
		return Opened{}, encryptedError(credential)
	}
	if !strings.Contains(strings.ToLower(err.Error()), "encrypt") {
		return Opened{}, &CorruptDocumentError{Err: err}
	}
	if credential == "" {
		return Opened{}, &EncryptedDocumentError{Reason: ReasonCredentialRequired}
	}
	plain, derr := decryptPDF(data, credential)
	if derr != nil {
		if strings.Contains(strings.ToLower(derr.Error()), "password") {
			return Opened{}, &EncryptedDocumentError{Reason: ReasonWrongCredential}
		}
		return Opened{}, &CorruptDocumentError{Err: derr}
	}
	doc, err = newLedongthucDoc(plain, "")
	if err != nil {
		return Opened{}, &CorruptDocumentError{Err: err}
	}
	return Opened{Doc: doc, Data: plain}, nil
}

func encryptedError(credential string) error {
	if credential == "" {
		return &EncryptedDocumentError{Reason: ReasonCredentialRequired}
	}
	return &EncryptedDocumentError{Reason: ReasonWrongCredential}
}

func decryptPDF(data []byte, credential string) ([]byte, error) {
	conf := model.NewDefaultConfiguration()
	conf.UserPW = credential
	conf.OwnerPW = credential
	conf.ValidationMode = model.ValidationRelaxed
	var out bytes.Buffer
	if err := api.Decrypt(bytes.NewReader(data), &out, conf); err != nil {
		return nil, fmt.Errorf("decrypt pdf: %w", err)
	}
	return out.Bytes(), nil
}

type ledongthucDoc struct {
	r *pdf.Reader
}

func newLedongthucDoc(data []byte, credential string) (doc *ledongthucDoc, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			doc, err = nil, fmt.Errorf("parse pdf: %v", rec)
		}
	}()
	given := false
	pw := func() string {
		if given || credential == "" {
			return ""
		}
		given = true
		return credential
	}
	r, err := pdf.NewReaderEncrypted(bytes.NewReader(data), int64(len(data)), pw)
	if err != nil {
		return nil, err
	}
	return &ledongthucDoc{r: r}, nil
}

func (d *ledongthucDoc) NumPages() int {
	return d.r.NumPage()
}

func (d *ledongthucDoc) PageText(n int) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			text, err = "", fmt.Errorf("page %d text: %v", n, rec)
		}
	}()
	p := d.r.Page(n)
	if p.V.IsNull() {
		return "", nil
	}
	return p.GetPlainText(nil)
}

func (d *ledongthucDoc) PageDrawings(n int) (rects []models.Rect, height float64, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			rects, height, err = nil, defaultPageHeight, fmt.Errorf("page %d drawings: %v", n, rec)
		}
	}()
	p := d.r.Page(n)
	if p.V.IsNull() {
		return nil, defaultPageHeight, nil
	}
	height = mediaBoxHeight(p.V)
	for _, r := range p.Content().Rect {
		rects = append(rects, models.Rect{X0: r.Min.X, Y0: r.Min.Y, X1: r.Max.X, Y1: r.Max.Y})
	}
	return rects, height, nil
}

func mediaBoxHeight(v pdf.Value) float64 {
	for node := v; !node.IsNull(); node = node.Key("Parent") {
		box := node.Key("MediaBox")
		if box.Len() == 4 {
			if h := box.Index(3).Float64() - box.Index(1).Float64(); h > 0 {
				return h
			}
		}
	}
	return defaultPageHeight
}
