package pdfutil

import (
	"bytes"
	"errors"
	"fmt"

	pdf "github.com/ledongthuc/pdf"
)

// ErrNoPages is returned for documents that parse but contain no pages.
var ErrNoPages = errors.New("pdf has no pages")

// PageCount opens PDF bytes with ledongthuc/pdf and returns the number of
// pages. Uploads that claim to be PDFs must pass this check.
func PageCount(data []byte) (n int, err error) {
	// The reader panics on some truncated inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("open pdf: %v", r)
		}
	}()
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("open pdf: %w", err)
	}
	n = doc.NumPage()
	if n == 0 {
		return 0, ErrNoPages
	}
	return n, nil
}
