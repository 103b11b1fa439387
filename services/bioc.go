package services

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// BioC-Passagen-JSON: eine Collection mit Dokumenten, jedes Dokument eine
// flache Liste annotierter Passagen.
type biocCollection struct {
	Documents []biocDocument `json:"documents"`
}

type biocDocument struct {
	Passages []biocPassage `json:"passages"`
}

type biocPassage struct {
	Infons map[string]string `json:"infons"`
	Text   string            `json:"text"`
}

func (p biocPassage) sectionType() string {
	return strings.ToUpper(p.Infons["section_type"])
}

func (p biocPassage) isTitlePassage() bool {
	return strings.Contains(strings.ToLower(p.Infons["type"]), "title") &&
		len(strings.Fields(p.Text)) < 15
}

// section_type der Quelle auf unsere IMRAD-Schlüssel.
var biocSectionMap = map[string]string{
	"INTRO":                     "introduction",
	"INTRODUCTION":              "introduction",
	"BACKGROUND":                "introduction",
	"OBJECTIVE":                 "introduction",
	"METHODS":                   "methods",
	"MATERIAL AND METHODS":      "methods",
	"METHODOLOGY":               "methods",
	"RESULTS":                   "results",
	"DISCUSS":                   "discussion",
	"DISCUSSION":                "discussion",
	"DISCUSSION AND CONCLUSION": "discussion",
	"CONCL":                     "conclusion",
	"CONCLUSION":                "conclusion",
	"CONCLUSIONS":               "conclusion",
}

var excludedBiocTypes = map[string]bool{
	"REF": true, "FIG": true, "TABLE": true, "APPENDIX": true,
	"COMP_INT": true, "AUTH_CONT": true, "ACK_FUND": true, "FOOTNOTE": true,
}

// StructureBioC extrahiert Abschnitte aus einem BioC-Passagen-JSON. Gleiche
// Garantien wie StructureJATS: all-or-nothing, Fallback statt leerer
// IMRAD-Behauptung.
func (s *Structurer) StructureBioC(jsonInput string) *StructuredDoc {
	doc := &StructuredDoc{}
	if strings.TrimSpace(jsonInput) == "" {
		return doc
	}

	var collections []biocCollection
	if err := json.Unmarshal([]byte(jsonInput), &collections); err != nil {
		s.log.Warn("BioC-Dokument nicht parsbar", zap.Error(err))
		return &StructuredDoc{}
	}
	if len(collections) == 0 || len(collections[0].Documents) == 0 {
		return doc
	}
	passages := collections[0].Documents[0].Passages

	// Titel und Abstract zuerst, sie stehen vorn und haben eigene Typen.
	for _, p := range passages {
		text := strings.TrimSpace(p.Text)
		if text == "" {
			continue
		}
		switch p.sectionType() {
		case "TITLE":
			if doc.Title == "" {
				doc.Title = text
			}
		case "ABSTRACT":
			if p.isTitlePassage() && strings.EqualFold(text, "abstract") {
				continue
			}
			appendSection(&doc.Abstract, text)
		}
	}

	// Body-Passagen: Titel-Passagen wechseln die aktuelle Section, Text
	// akkumuliert unter dem zuletzt gesehenen Schlüssel.
	currentKey := ""
	currentOther := -1
	var bodyTexts []string
	for _, p := range passages {
		text := strings.TrimSpace(p.Text)
		secType := p.sectionType()
		if text == "" || secType == "TITLE" || secType == "ABSTRACT" || excludedBiocTypes[secType] {
			continue
		}

		mapped, known := biocSectionMap[secType]
		if p.isTitlePassage() {
			if known {
				currentKey = mapped
				currentOther = -1
			} else {
				doc.OtherSections = append(doc.OtherSections, TitledSection{Title: text})
				currentOther = len(doc.OtherSections) - 1
				currentKey = ""
			}
			continue
		}
		if known {
			currentKey = mapped
			currentOther = -1
		}

		bodyTexts = append(bodyTexts, text)
		switch {
		case currentOther >= 0:
			appendSection(&doc.OtherSections[currentOther].Text, text)
		case currentKey != "":
			appendSection(doc.sectionField(currentKey), text)
		default:
			appendSection(&doc.FullBodyFallback, text)
		}
	}

	if !doc.hasIMRAD() && len(bodyTexts) > 0 {
		doc.OtherSections = nil
		doc.FullBodyFallback = strings.Join(bodyTexts, "\n\n")
	} else if doc.hasIMRAD() {
		doc.FullBodyFallback = ""
	}

	// Betitelte Abschnitte ohne Text sind Rauschen.
	var kept []TitledSection
	for _, sec := range doc.OtherSections {
		if strings.TrimSpace(sec.Text) != "" {
			kept = append(kept, sec)
		}
	}
	doc.OtherSections = kept
	return doc
}

func (d *StructuredDoc) sectionField(key string) *string {
	switch key {
	case "introduction":
		return &d.Introduction
	case "methods":
		return &d.Methods
	case "results":
		return &d.Results
	case "discussion":
		return &d.Discussion
	case "conclusion":
		return &d.Conclusion
	}
	return &d.FullBodyFallback
}
