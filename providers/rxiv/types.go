package rxiv

// detailsResponse ist die Antwort von /details/{server}/{doi}/na/json.
type detailsResponse struct {
	Collection []Preprint `json:"collection"`
}

// Preprint ist ein Eintrag der Details-Collection.
type Preprint struct {
	DOI      string `json:"doi"`
	Title    string `json:"title"`
	Abstract string `json:"abstract"`
	Authors  string `json:"authors"`
	Date     string `json:"date"`
	Category string `json:"category"`
	Server   string `json:"server"`
	Version  string `json:"version"`
	JatsXML  string `json:"jatsxml"`
}
