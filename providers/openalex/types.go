package openalex

// workResponse ist die Antwort von /works/{id}.
type workResponse struct {
	ID                    string           `json:"id"`
	DisplayName           string           `json:"display_name"`
	Title                 string           `json:"title"`
	PublicationDate       string           `json:"publication_date"`
	DOI                   string           `json:"doi"`
	AbstractInvertedIndex map[string][]int `json:"abstract_inverted_index"`

	IDs struct {
		PMID  string `json:"pmid"`
		PMCID string `json:"pmcid"`
	} `json:"ids"`

	HostVenue struct {
		DisplayName string `json:"display_name"`
		Publisher   string `json:"publisher"`
	} `json:"host_venue"`

	PrimaryLocation struct {
		Source struct {
			DisplayName string `json:"display_name"`
		} `json:"source"`
	} `json:"primary_location"`

	OpenAccess struct {
		IsOA     bool   `json:"is_oa"`
		OAStatus string `json:"oa_status"`
		OAURL    string `json:"oa_url"`
	} `json:"open_access"`

	Authorships []authorship `json:"authorships"`
}

type authorship struct {
	Author struct {
		DisplayName string `json:"display_name"`
	} `json:"author"`
}
