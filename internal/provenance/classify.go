package provenance

import (
	"strings"
)

// Platform is a normalized sensor platform name.
type Platform string

const (
	Unknown  Platform = ""
	Landsat5 Platform = "landsat-5"
	Landsat7 Platform = "landsat-7"
	Landsat8 Platform = "landsat-8"
	Landsat9 Platform = "landsat-9"
)

func (p Platform) String() string {
	if p == Unknown {
		return "unknown"
	}
	return string(p)
}

// filename tokens, split on _ . -
var nameTokens = map[string]Platform{
	"ls9": Landsat9, "ls9c": Landsat9, "lc09": Landsat9, "lc9": Landsat9, "landsat9": Landsat9,
	"ls8": Landsat8, "ls8c": Landsat8, "lc08": Landsat8, "lc8": Landsat8, "landsat8": Landsat8,
	"ls7": Landsat7, "ls7e": Landsat7, "le07": Landsat7, "le7": Landsat7, "landsat7": Landsat7,
	"ls5": Landsat5, "ls5t": Landsat5, "lt05": Landsat5, "lt5": Landsat5, "landsat5": Landsat5,
}

// FromFilename reads the platform from name tokens such as ga_ls9c or LC08.
// Mixed products (ls89) are Unknown.
func FromFilename(name string) Platform {
	fields := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return r == '_' || r == '.' || r == '-' || r == '/' || r == '\\'
	})
	found := Unknown
	for _, f := range fields {
		p, ok := nameTokens[f]
		if !ok {
			continue
		}
		if found != Unknown && found != p {
			return Unknown
		}
		found = p
	}
	return found
}

// metadata keywords in match order; later generations first so "oli-2" wins over "oli"
var keywords = []struct {
	platform Platform
	words    []string
}{
	{Landsat9, []string{"landsat-9", "landsat 9", "landsat_9", "ls9", "oli-2", "oli2"}},
	{Landsat8, []string{"landsat-8", "landsat 8", "landsat_8", "ls8", "oli"}},
	{Landsat7, []string{"landsat-7", "landsat 7", "landsat_7", "etm"}},
	{Landsat5, []string{"landsat-5", "landsat 5", "landsat_5", "tm"}},
}

// Classify maps a free-text platform or instrument description to a Platform.
func Classify(text string) Platform {
	lower := strings.ToLower(text)
	for _, k := range keywords {
		for _, w := range k.words {
			if strings.Contains(lower, w) {
				return k.platform
			}
		}
	}
	return Unknown
}
