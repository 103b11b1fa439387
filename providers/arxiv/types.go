package arxiv

import "encoding/xml"

// feed ist die Atom-Antwort des arXiv-Export-API.
type feed struct {
	XMLName xml.Name `xml:"feed"`
	Entries []entry  `xml:"entry"`
}

type entry struct {
	ID        string       `xml:"id"`
	Title     string       `xml:"title"`
	Summary   string       `xml:"summary"`
	Published string       `xml:"published"`
	Updated   string       `xml:"updated"`
	DOI       string       `xml:"doi"`
	Authors   []entryAuthor `xml:"author"`
	Links     []entryLink   `xml:"link"`
}

type entryAuthor struct {
	Name string `xml:"name"`
}

type entryLink struct {
	Href  string `xml:"href,attr"`
	Title string `xml:"title,attr"`
	Type  string `xml:"type,attr"`
}
