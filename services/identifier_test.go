package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeIdentifierDOI(t *testing.T) {
	cases := map[string]string{
		"10.1234/ABC.Def":               "10.1234/abc.def",
		"https://doi.org/10.1234/xyz":   "10.1234/xyz",
		"http://doi.org/10.1234/xyz":    "10.1234/xyz",
		"10.1234%2Fencoded":             "10.1234/encoded",
		"  10.1234/whitespace  ":        "10.1234/whitespace",
		"":                              "",
		"https://doi.org/10.1101/2024.01.01.573999": "10.1101/2024.01.01.573999",
	}
	for input, want := range cases {
		assert.Equal(t, want, NormalizeIdentifier(IDTypeDOI, input), "input %q", input)
	}
}

func TestNormalizeIdentifierArxiv(t *testing.T) {
	cases := map[string]string{
		"arXiv:2101.00001":   "2101.00001",
		"arxiv:2101.00001v3": "2101.00001",
		"2101.00001v12":      "2101.00001",
		"hep-th/9901001":     "hep-th/9901001",
	}
	for input, want := range cases {
		assert.Equal(t, want, NormalizeIdentifier(IDTypeArxiv, input), "input %q", input)
	}
}

func TestNormalizeIdentifierPMCID(t *testing.T) {
	assert.Equal(t, "PMC123456", NormalizeIdentifier(IDTypePMCID, "123456"))
	assert.Equal(t, "PMC123456", NormalizeIdentifier(IDTypePMCID, "pmc123456"))
	assert.Equal(t, "PMC123456", NormalizeIdentifier(IDTypePMCID, "PMC123456"))
}

func TestNormalizeIdentifierPMID(t *testing.T) {
	assert.Equal(t, "31452104", NormalizeIdentifier(IDTypePMID, " 31452104 "))
}

func TestPMCIDForQuery(t *testing.T) {
	assert.Equal(t, "PMC7096066", PMCIDForQuery("pmc7096066", true))
	assert.Equal(t, "7096066", PMCIDForQuery("PMC7096066", false))
	assert.Equal(t, "", PMCIDForQuery("  ", true))
}

func TestIsRxivDOI(t *testing.T) {
	assert.True(t, IsRxivDOI("10.1101/2024.01.01.573999"))
	assert.False(t, IsRxivDOI("10.1038/s41586-020-2012-7"))
	assert.False(t, IsRxivDOI(""))
}
