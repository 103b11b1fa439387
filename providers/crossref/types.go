package crossref

// worksResponse ist die Antwort von /works/{doi}.
type worksResponse struct {
	Status  string `json:"status"`
	Message Work   `json:"message"`
}

// Work sind die CrossRef-Metadaten eines Artikels.
type Work struct {
	DOI             string   `json:"DOI"`
	Title           []string `json:"title"`
	Abstract        string   `json:"abstract"`
	ContainerTitle  []string `json:"container-title"`
	PublishedPrint  *DateRef `json:"published-print"`
	PublishedOnline *DateRef `json:"published-online"`
	Created         *DateRef `json:"created"`
	Author          []Person `json:"author"`
}

// DateRef ist CrossRefs Datumsformat mit verschachtelten date-parts.
type DateRef struct {
	DateParts [][]int `json:"date-parts"`
}

// Person ist ein Autoren-Eintrag von CrossRef.
type Person struct {
	Given  string `json:"given"`
	Family string `json:"family"`
	Name   string `json:"name"`
}
