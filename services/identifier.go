package services

import (
	"net/url"
	"regexp"
	"strings"
)

// IDType benennt die an der Boundary akzeptierten Identifier-Typen.
type IDType string

const (
	IDTypeDOI   IDType = "DOI"
	IDTypePMID  IDType = "PMID"
	IDTypeArxiv IDType = "ARXIV"
	IDTypePMCID IDType = "PMCID"
)

// RxivDOIPrefix ist der Registranten-Präfix von bioRxiv/medRxiv-DOIs.
const RxivDOIPrefix = "10.1101/"

var arxivVersionRegex = regexp.MustCompile(`v\d+$`)

// NormalizeIdentifier kanonisiert einen Identifier für Speicherung und Lookup.
// Reine Funktion ohne Seiteneffekte; unparsbare Eingaben kommen unverändert
// (nur getrimmt) zurück.
//
// DOI: kleingeschrieben und prozent-dekodiert. ARXIV: "arXiv:"-Präfix und
// Versions-Suffix (vN) entfernt. PMCID: "PMC"-Präfix ergänzt (Speicherform).
// PMID: nur getrimmt.
func NormalizeIdentifier(idType IDType, value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}
	switch idType {
	case IDTypeDOI:
		if decoded, err := url.PathUnescape(v); err == nil {
			v = decoded
		}
		v = strings.TrimPrefix(v, "https://doi.org/")
		v = strings.TrimPrefix(v, "http://doi.org/")
		return strings.ToLower(v)
	case IDTypeArxiv:
		v = strings.TrimPrefix(v, "arXiv:")
		v = strings.TrimPrefix(v, "arxiv:")
		return arxivVersionRegex.ReplaceAllString(v, "")
	case IDTypePMCID:
		upper := strings.ToUpper(v)
		if !strings.HasPrefix(upper, "PMC") {
			return "PMC" + v
		}
		return upper
	case IDTypePMID:
		return v
	}
	return v
}

// PMCIDForQuery liefert die Form eines PMCID für externe APIs. Manche
// erwarten den Präfix (PMC-EFetch), andere nur die Ziffern (OpenAlex).
func PMCIDForQuery(pmcid string, withPrefix bool) string {
	bare := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(pmcid)), "PMC")
	if bare == "" {
		return ""
	}
	if withPrefix {
		return "PMC" + bare
	}
	return bare
}

// IsRxivDOI meldet, ob eine DOI zur bioRxiv/medRxiv-Familie gehört.
func IsRxivDOI(doi string) bool {
	return strings.HasPrefix(strings.ToLower(doi), RxivDOIPrefix)
}
