package kwire

import (
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"

	kerrors "github.com/openretro/kaillerad/pkg/errors"
)

// DefaultCharset is the charset historically spoken by v.086 clients.
const DefaultCharset = "ISO-8859-1"

// resolveCharset maps a configured charset name to a text encoding. The
// whole process uses exactly one charset for every wire string.
func resolveCharset(name string) (encoding.Encoding, error) {
	if name == "" {
		return charmap.ISO8859_1, nil
	}

	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return nil, &kerrors.UnsupportedCharset{Name: name}
	}

	return enc, nil
}
