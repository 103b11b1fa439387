package unpaywall

// oaResponse ist die Antwort von /v2/{doi}.
type oaResponse struct {
	DOI            string      `json:"doi"`
	OAStatus       string      `json:"oa_status"`
	IsOA           bool        `json:"is_oa"`
	BestOALocation *oaLocation `json:"best_oa_location"`
}

// oaLocation beschreibt den besten Open-Access-Fundort.
type oaLocation struct {
	URL       string `json:"url"`
	URLForPDF string `json:"url_for_pdf"`
	License   string `json:"license"`
}
