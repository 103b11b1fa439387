package semanticscholar

// paperResponse ist die Antwort von /paper/{id}.
type paperResponse struct {
	PaperID         string            `json:"paperId"`
	Title           string            `json:"title"`
	Abstract        string            `json:"abstract"`
	Venue           string            `json:"venue"`
	PublicationDate string            `json:"publicationDate"`
	Year            int               `json:"year"`
	ExternalIDs     map[string]any    `json:"externalIds"`
	Journal         *journalInfo      `json:"journal"`
	Authors         []paperAuthor     `json:"authors"`
	OpenAccessPdf   *openAccessRecord `json:"openAccessPdf"`
	IsOpenAccess    bool              `json:"isOpenAccess"`
	TLDR            *tldrRecord       `json:"tldr"`
	Error           string            `json:"error"`
}

type journalInfo struct {
	Name string `json:"name"`
}

type paperAuthor struct {
	Name string `json:"name"`
}

type openAccessRecord struct {
	URL string `json:"url"`
}

type tldrRecord struct {
	Text string `json:"text"`
}
