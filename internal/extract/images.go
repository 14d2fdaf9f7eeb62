package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

type RasterImage struct {
	Page   int
	Name   string
	Format string
	Width  int
	Height int
	Data   []byte
}

type ImageExtractor interface {
	Extract(ctx context.Context, data []byte, password string) ([]RasterImage, error)
}

// PdfcpuImages pulls embedded raster images out of the document with pdfcpu.
type PdfcpuImages struct{}

func (PdfcpuImages) Extract(ctx context.Context, data []byte, password string) ([]RasterImage, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if password != "" {
		conf.UserPW = password
		conf.OwnerPW = password
	}
	var out []RasterImage
	err := api.ExtractImages(bytes.NewReader(data), nil, func(img model.Image, _ bool, _ int) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := io.ReadAll(img)
		if err != nil {
			return fmt.Errorf("read image %s on page %d: %w", img.Name, img.PageNr, err)
		}
		out = append(out, RasterImage{
			Page:   img.PageNr,
			Name:   img.Name,
			Format: img.FileType,
			Width:  img.Width,
			Height: img.Height,
			Data:   b,
		})
		return nil
	}, conf)
	if err != nil {
		return nil, fmt.Errorf("extract images: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Page < out[j].Page })
	return out, nil
}
