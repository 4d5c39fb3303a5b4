package llm

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/afero"

	"github.com/lexcodex/promptloop/framework"
)

// ErrUnsupportedImage is returned when an attachment's type cannot be
// determined from its leading bytes.
var ErrUnsupportedImage = errors.New("unsupported image type")

// minSniffBytes is the length of the longest signature below.
const minSniffBytes = 8

var imageSignatures = []struct {
	mime   string
	prefix []byte
}{
	{"image/png", []byte("\x89PNG\r\n\x1a\n")},
	{"image/jpeg", []byte("\xff\xd8\xff")},
	{"image/gif", []byte("GIF87a")},
	{"image/gif", []byte("GIF89a")},
	{"image/bmp", []byte("BM")},
	{"image/tiff", []byte("II*\x00")},
	{"image/tiff", []byte("MM\x00*")},
	{"image/x-icon", []byte("\x00\x00\x01\x00")},
}

// SniffImageMIME identifies an image from its magic bytes.
func SniffImageMIME(data []byte) (string, error) {
	if len(data) < minSniffBytes {
		return "", fmt.Errorf("%w: file too small to identify (%d bytes)", ErrUnsupportedImage, len(data))
	}
	if bytes.HasPrefix(data, []byte("RIFF")) && bytes.Equal(data[8:min(len(data), 12)], []byte("WEBP")) {
		return "image/webp", nil
	}
	for _, sig := range imageSignatures {
		if bytes.HasPrefix(data, sig.prefix) {
			return sig.mime, nil
		}
	}
	return "", ErrUnsupportedImage
}

// DataURLFromFile reads path from fsys and encodes it as a base64 data URL.
// An empty mime is sniffed from the file contents.
func DataURLFromFile(fsys afero.Fs, path, mime string) (string, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return "", fmt.Errorf("read attachment %s: %w", path, err)
	}
	if mime == "" {
		mime, err = SniffImageMIME(data)
		if err != nil {
			return "", fmt.Errorf("attachment %s: %w", path, err)
		}
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

// ImagePartFromFile is DataURLFromFile wrapped as a chat content part.
func ImagePartFromFile(fsys afero.Fs, path string) (framework.Part, error) {
	url, err := DataURLFromFile(fsys, path, "")
	if err != nil {
		return framework.Part{}, err
	}
	return framework.ImageURLPart(url), nil
}

// DecodeDataURL splits a base64 data URL into its MIME type and payload.
func DecodeDataURL(url string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data URL")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("malformed data URL")
	}
	mime, ok := strings.CutSuffix(meta, ";base64")
	if !ok {
		return "", nil, fmt.Errorf("data URL is not base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode data URL: %w", err)
	}
	return mime, data, nil
}
