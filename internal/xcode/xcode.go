// Package xcode converts byte strings between the host's locale and the
// UTF-16BE encoding the exword protocol uses for filenames and path
// components.
package xcode

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/encoding/unicode"
)

// UTF16BE is the protocol-wire format name used throughout the device
// command surface.
const UTF16BE = "UTF-16BE"

// ErrUnknownCharset is returned when a charset name has no registered
// encoding.Encoding.
var ErrUnknownCharset = errors.New("xcode: unknown charset")

var charsets = map[string]encoding.Encoding{
	UTF16BE:      unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM),
	"ISO-8859-1": charmap.ISO8859_1,
	"ISO-8859-2": charmap.ISO8859_2,
	"ISO-8859-5": charmap.ISO8859_5,
	"ISO-8859-7": charmap.ISO8859_7,
	"ISO-8859-9": charmap.ISO8859_9,
	"KOI8-R":     charmap.KOI8R,
	"EUC-KR":     korean.EUCKR,
	"GBK":        simplifiedchinese.GBK,
	"BIG5":       traditionalchinese.Big5,
	"SHIFT-JIS":  japanese.ShiftJIS,
}

func lookup(name string) (encoding.Encoding, error) {
	enc, ok := charsets[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCharset, name)
	}
	return enc, nil
}

// ToLocale converts bytes encoded as charset into a native (UTF-8) Go
// string — Go's string type is the host locale for every platform this
// driver targets, so no further re-encoding is needed once bytes are
// decoded into it. This mirrors convert_to_locale(fmt, ...) in the
// original implementation, where the "current locale" target was
// whatever iconv_open("", fmt) resolved to on the host.
func ToLocale(charset string, b []byte) (string, error) {
	enc, err := lookup(charset)
	if err != nil {
		return "", err
	}
	decoded, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("xcode: decode %s: %w", charset, err)
	}
	return string(decoded), nil
}

// FromLocale converts a native Go string into bytes encoded as charset,
// mirroring convert_from_locale(fmt, ...).
func FromLocale(charset string, s string) ([]byte, error) {
	enc, err := lookup(charset)
	if err != nil {
		return nil, err
	}
	out, err := enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("xcode: encode %s: %w", charset, err)
	}
	return out, nil
}

// ToUTF16BE is shorthand for FromLocale(UTF16BE, s), matching the protocol's
// convert_from_locale("UTF-16BE", ...) calls for NAME headers.
func ToUTF16BE(s string) ([]byte, error) {
	return FromLocale(UTF16BE, s)
}

// FromUTF16BE is shorthand for ToLocale(UTF16BE, b).
func FromUTF16BE(b []byte) (string, error) {
	return ToLocale(UTF16BE, b)
}

// NTString appends a single trailing NUL to the UTF-16BE encoding of s, the
// wire shape every protocol NAME and pseudo-command string uses.
func NTString(s string) ([]byte, error) {
	return ToUTF16BE(s + "\x00")
}

// DecodeFilename decodes a NUL-terminated UTF-16BE filename from a NAME
// header payload, substituting "Unknown" on failure, matching the
// exword_handle_callbacks behavior in the original implementation.
func DecodeFilename(b []byte) string {
	name, err := FromUTF16BE(b)
	if err != nil || strings.ContainsRune(name, utf8.RuneError) {
		return "Unknown"
	}
	return trimNUL(name)
}

func trimNUL(s string) string {
	for i, r := range s {
		if r == 0 {
			return s[:i]
		}
	}
	return s
}
