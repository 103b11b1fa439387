package services

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// TitledSection ist ein nicht klassifizierter, aber betitelter Abschnitt.
type TitledSection struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// StructuredDoc ist das Ergebnis des Full-Text-Structurers: Abschnittsname
// auf Text, IMRAD-klassifiziert soweit möglich.
type StructuredDoc struct {
	Title            string          `json:"title,omitempty"`
	Abstract         string          `json:"abstract,omitempty"`
	Introduction     string          `json:"introduction,omitempty"`
	Methods          string          `json:"methods,omitempty"`
	Results          string          `json:"results,omitempty"`
	Discussion       string          `json:"discussion,omitempty"`
	Conclusion       string          `json:"conclusion,omitempty"`
	OtherSections    []TitledSection `json:"other_sections,omitempty"`
	FullBodyFallback string          `json:"full_body_fallback,omitempty"`
}

// IsEmpty meldet, ob gar nichts extrahiert wurde.
func (d *StructuredDoc) IsEmpty() bool {
	return d.Title == "" && d.Abstract == "" && !d.hasIMRAD() &&
		len(d.OtherSections) == 0 && d.FullBodyFallback == ""
}

func (d *StructuredDoc) hasIMRAD() bool {
	return d.Introduction != "" || d.Methods != "" || d.Results != "" ||
		d.Discussion != "" || d.Conclusion != ""
}

// JSON serialisiert das Mapping für die structured_content-Spalte.
func (d *StructuredDoc) JSON() []byte {
	b, _ := json.Marshal(d)
	return b
}

// CleanedText konkateniert die Abschnitte in kanonischer Reihenfolge zu einem
// bereinigten Gesamttext für nachgelagerte LLM-Verarbeitung.
func (d *StructuredDoc) CleanedText() string {
	var parts []string
	add := func(heading, text string) {
		if strings.TrimSpace(text) == "" {
			return
		}
		if heading != "" {
			parts = append(parts, "--- "+heading+" ---\n"+text)
		} else {
			parts = append(parts, text)
		}
	}
	add("TITLE", d.Title)
	add("ABSTRACT", d.Abstract)
	add("INTRODUCTION", d.Introduction)
	add("METHODS", d.Methods)
	add("RESULTS", d.Results)
	add("DISCUSSION", d.Discussion)
	add("CONCLUSION", d.Conclusion)
	for _, sec := range d.OtherSections {
		add(strings.ToUpper(sec.Title), sec.Text)
	}
	add("", d.FullBodyFallback)
	return strings.Join(parts, "\n\n")
}

// Sektionstypen, die aus dem Body ausgeschlossen werden.
var excludedSecTypes = map[string]bool{
	"author-contribution":    true,
	"author-contributions":   true,
	"funding":                true,
	"conflicts-of-interest":  true,
	"ethics":                 true,
	"acknowledgement":        true,
	"acknowledgments":        true,
	"supplementary-material": true,
	"data-availability":      true,
}

// Structurer parst Volltext-Dokumente in benannte Abschnitte.
type Structurer struct {
	log *zap.Logger
}

// NewStructurer erstellt einen Structurer.
func NewStructurer(logger *zap.Logger) *Structurer {
	return &Structurer{log: logger}
}

// StructureJATS extrahiert Titel, Abstract und IMRAD-Abschnitte aus einem
// JATS-Dokument. Headings werden case-insensitiv gegen eine feste
// Schlüsselwort-Tabelle geprüft, alternativ zählt das sec-type-Attribut.
// Nicht zuordenbare Abschnitte landen in OtherSections. Fand keiner der
// IMRAD-Schlüssel Text, wandert der gesamte Body in FullBodyFallback.
// Nicht parsbare Eingaben liefern ein leeres Mapping, nie ein halbes.
func (s *Structurer) StructureJATS(xmlInput string) *StructuredDoc {
	doc := &StructuredDoc{}
	if strings.TrimSpace(xmlInput) == "" {
		return doc
	}
	root, err := parseXMLTree(xmlInput)
	if err != nil {
		s.log.Warn("JATS-Dokument nicht parsbar", zap.Error(err))
		return &StructuredDoc{}
	}

	if titleEl := root.descendant("article-title"); titleEl != nil {
		doc.Title = strings.ReplaceAll(titleEl.text(), "\n", " ")
	}

	if abstractNode := findAbstract(root); abstractNode != nil {
		doc.Abstract = extractAbstract(abstractNode)
	}

	body := root.descendant("body")
	if body == nil {
		return doc
	}

	var bodyTexts []string
	for _, sec := range body.childrenNamed("sec") {
		secType := strings.ToLower(sec.Attr["sec-type"])
		if excludedSecTypes[secType] {
			continue
		}
		titleText := ""
		if t := sec.child("title"); t != nil {
			titleText = t.text()
		}

		var paras []string
		for _, p := range sec.descendants("p") {
			if txt := p.text(); txt != "" {
				paras = append(paras, txt)
			}
		}
		content := strings.Join(paras, "\n\n")
		if content == "" {
			continue
		}
		bodyTexts = append(bodyTexts, content)

		switch classifySection(titleText, secType) {
		case "introduction":
			appendSection(&doc.Introduction, content)
		case "methods":
			appendSection(&doc.Methods, content)
		case "results":
			appendSection(&doc.Results, content)
		case "discussion":
			appendSection(&doc.Discussion, content)
		case "conclusion":
			appendSection(&doc.Conclusion, content)
		default:
			name := titleText
			if name == "" {
				name = "Unnamed Section"
			}
			doc.OtherSections = append(doc.OtherSections, TitledSection{Title: name, Text: content})
		}
	}

	// Kein IMRAD-Abschnitt erkannt: keine Struktur behaupten, die nicht da
	// ist, sondern den Body als Ganzes zurückgeben.
	if !doc.hasIMRAD() && len(bodyTexts) > 0 {
		doc.OtherSections = nil
		doc.FullBodyFallback = strings.Join(bodyTexts, "\n\n")
	}
	return doc
}

// classifySection ordnet einen Abschnitt per Heading-Schlüsselwort oder
// sec-type-Attribut einem IMRAD-Schlüssel zu; "" heißt unklassifiziert.
func classifySection(title, secType string) string {
	t := strings.ToLower(title)
	switch {
	case strings.Contains(t, "introduction"), strings.Contains(t, "background"),
		strings.Contains(t, "objective"), secType == "intro":
		return "introduction"
	case strings.Contains(t, "method"), strings.Contains(t, "material"), secType == "methods":
		return "methods"
	case strings.Contains(t, "result"), secType == "results":
		return "results"
	case strings.Contains(t, "discuss"), secType == "discussion":
		return "discussion"
	case strings.Contains(t, "conclu"), secType == "conclusion":
		return "conclusion"
	}
	return ""
}

func appendSection(dst *string, content string) {
	if *dst == "" {
		*dst = content
		return
	}
	*dst += "\n\n" + content
}

// findAbstract sucht den Abstract in article-meta, fällt auf das erste
// abstract-Element zurück.
func findAbstract(root *xmlNode) *xmlNode {
	if meta := root.descendant("article-meta"); meta != nil {
		if a := meta.descendant("abstract"); a != nil {
			return a
		}
	}
	return root.descendant("abstract")
}

// extractAbstract sammelt den Abstract-Text ein und überspringt dabei reine
// Label-/Titel-Kinder wie das Wort "Abstract" selbst.
func extractAbstract(abstract *xmlNode) string {
	var parts []string
	for _, child := range abstract.children() {
		txt := child.text()
		if txt == "" {
			continue
		}
		name := strings.ToLower(child.Name)
		if (name == "label" || name == "title") && len(strings.Fields(txt)) < 5 {
			continue
		}
		parts = append(parts, txt)
	}
	if len(parts) == 0 {
		return strings.ReplaceAll(abstract.text(), "\n", " ")
	}
	return strings.Join(parts, "\n\n")
}
