package signing

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	slugStrip    = regexp.MustCompile(`[^\w\s-]`)
	slugCollapse = regexp.MustCompile(`[-\s]+`)
)

// Slugify reduces s to lowercase ASCII letters, digits, underscores and
// hyphens. Compatibility decomposition runs first so accented letters keep
// their base letter.
func Slugify(s string) string {
	decomposed := norm.NFKD.String(s)
	var b strings.Builder
	for _, r := range decomposed {
		if r < 0x80 {
			b.WriteRune(r)
		}
	}
	v := slugStrip.ReplaceAllString(strings.ToLower(b.String()), "")
	v = slugCollapse.ReplaceAllString(v, "-")
	return strings.Trim(v, "-_")
}

// SupportedExtensions are the file types the signer accepts.
var SupportedExtensions = []string{
	"dll", "exe", "sys", "msi", "ps1", "ps1xml", "psc1", "psd1", "psm1",
	"cdxml", "mof", "js", "cab", "cat", "appx",
}

// splitName splits a submitted name at its last dot. A name without a dot is
// all extension, which keeps "exe" and "x.exe" on the same footing.
func splitName(name string) (base, ext string) {
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return "", name
	}
	return name[:i], name[i+1:]
}

func supportedExtension(ext string) bool {
	for _, e := range SupportedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}
