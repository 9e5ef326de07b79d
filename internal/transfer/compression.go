package transfer

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/flate"

	"zombiefile/internal/core/domain"
)

// Formats that are already compressed; deflating them again only costs CPU.
var incompressiblePrefixes = []string{
	"video/",
	"audio/",
	"image/",
	"application/zip",
	"application/x-rar",
	"application/pdf",
	"application/x-7z-compressed",
}

// SniffMIME detects the MIME type from file content.
func SniffMIME(data []byte) string {
	return mimetype.Detect(data).String()
}

// ShouldCompress reports whether a file of this MIME type is a compression
// candidate. An unknown type is.
func ShouldCompress(mime string) bool {
	for _, prefix := range incompressiblePrefixes {
		if strings.HasPrefix(mime, prefix) {
			return false
		}
	}
	return true
}

// WorthCompressing deflates the whole file once and reports whether the result
// is below threshold times the original size.
func WorthCompressing(data []byte, threshold float64) bool {
	if len(data) == 0 {
		return false
	}
	compressed, err := Compress(data)
	if err != nil {
		return false
	}
	return float64(len(compressed))/float64(len(data)) < threshold
}

// CompressBound is the most Compress can emit for n input bytes, stored
// blocks included.
func CompressBound(n int) int {
	return n + (n+7)>>3 + (n+63)>>6 + 5
}

// MaxCompressInput is the largest input whose compressed form never exceeds
// limit bytes.
func MaxCompressInput(limit int) int {
	n := limit * 64 / 73
	for n > 0 && CompressBound(n) > limit {
		n--
	}
	return n
}

func Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress inflates one chunk. Output beyond limit bytes is rejected so a
// hostile chunk cannot expand past the declared file size.
func Decompress(data []byte, limit int64) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("%w: inflate: %v", domain.ErrInvalidPayload, err)
	}
	if int64(len(out)) > limit {
		return nil, fmt.Errorf("%w: inflated chunk exceeds %d bytes", domain.ErrSizeMismatch, limit)
	}
	return out, nil
}
