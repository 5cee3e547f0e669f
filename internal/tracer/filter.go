package tracer

import "SockTracer/internal/protocols/http1"

// HeaderMatch is one (header name, substring) pair of the response filter.
type HeaderMatch struct {
	Header string
	Substr string
}

// HeaderFilter decides which responses are emitted. A response passes iff
// it matches at least one inclusion pair (an empty inclusion set passes
// everything) and matches no exclusion pair.
type HeaderFilter struct {
	Inclusions []HeaderMatch
	Exclusions []HeaderMatch
}

// DefaultHeaderFilter keeps JSON responses and drops compressed bodies,
// which cannot be rendered without decompression support.
func DefaultHeaderFilter() HeaderFilter {
	return HeaderFilter{
		Inclusions: []HeaderMatch{{Header: "Content-Type", Substr: "json"}},
		Exclusions: []HeaderMatch{{Header: "Content-Encoding", Substr: "gzip"}},
	}
}

// Matches applies the filter to a parsed response.
func (f HeaderFilter) Matches(m *http1.Message) bool {
	included := len(f.Inclusions) == 0
	for _, inc := range f.Inclusions {
		if m.HeaderContains(inc.Header, inc.Substr) {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, exc := range f.Exclusions {
		if m.HeaderContains(exc.Header, exc.Substr) {
			return false
		}
	}
	return true
}
