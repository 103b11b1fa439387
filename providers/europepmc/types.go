package europepmc

// searchResponse ist die Antwort der Core-Suche.
type searchResponse struct {
	ResultList struct {
		Result []Result `json:"result"`
	} `json:"resultList"`
}

// Result ist ein Treffer der Europe-PMC-Core-Suche.
type Result struct {
	Title                string `json:"title"`
	AbstractText         string `json:"abstractText"`
	DOI                  string `json:"doi"`
	PMID                 string `json:"pmid"`
	PMCID                string `json:"pmcid"`
	FirstPublicationDate string `json:"firstPublicationDate"`

	JournalInfo struct {
		Journal struct {
			Title string `json:"title"`
		} `json:"journal"`
	} `json:"journalInfo"`

	AuthorList struct {
		Author []Author `json:"author"`
	} `json:"authorList"`
}

// Author ist ein Autoren-Eintrag von Europe PMC.
type Author struct {
	FullName  string `json:"fullName"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}
