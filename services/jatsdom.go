package services

import (
	"encoding/xml"
	"strings"
)

// xmlNode ist ein minimaler DOM-Knoten für JATS-Dokumente. encoding/xml
// liefert über Decoder-Tokens die Text-/Element-Reihenfolge, die wir für
// itertext-artiges Einsammeln brauchen; Namespaces werden auf den lokalen
// Namen reduziert.
type xmlNode struct {
	Name string
	Attr map[string]string

	// seq hält Kinder in Dokumentreihenfolge: string-Einträge sind
	// Textfragmente, *xmlNode-Einträge Kind-Elemente.
	seq []any
}

// parseXMLTree parst ein XML-Dokument in den DOM. Fehler bedeuten ein nicht
// wohlgeformtes Dokument.
func parseXMLTree(input string) (*xmlNode, error) {
	dec := xml.NewDecoder(strings.NewReader(input))
	dec.Strict = false
	var stack []*xmlNode
	var root *xmlNode
	for {
		tok, err := dec.Token()
		if tok == nil {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &xmlNode{Name: t.Name.Local, Attr: map[string]string{}}
			for _, a := range t.Attr {
				n.Attr[a.Name.Local] = a.Value
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.seq = append(parent.seq, n)
			} else if root == nil {
				root = n
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.seq = append(parent.seq, string(t))
			}
		}
	}
	if root == nil {
		return nil, ErrEmptyDocument
	}
	return root, nil
}

// ErrEmptyDocument meldet ein Dokument ohne Wurzelelement.
var ErrEmptyDocument = xml.UnmarshalError("kein wurzelelement gefunden")

// children liefert die Element-Kinder in Reihenfolge.
func (n *xmlNode) children() []*xmlNode {
	var kids []*xmlNode
	for _, s := range n.seq {
		if c, ok := s.(*xmlNode); ok {
			kids = append(kids, c)
		}
	}
	return kids
}

// child liefert das erste direkte Kind mit dem Namen, nil wenn keins.
func (n *xmlNode) child(name string) *xmlNode {
	for _, c := range n.children() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// childrenNamed liefert alle direkten Kinder mit dem Namen.
func (n *xmlNode) childrenNamed(name string) []*xmlNode {
	var out []*xmlNode
	for _, c := range n.children() {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

// descendant liefert den ersten Nachfahren mit dem Namen (DFS), nil wenn keiner.
func (n *xmlNode) descendant(name string) *xmlNode {
	for _, c := range n.children() {
		if c.Name == name {
			return c
		}
		if hit := c.descendant(name); hit != nil {
			return hit
		}
	}
	return nil
}

// descendants liefert alle Nachfahren mit dem Namen in Dokumentreihenfolge.
func (n *xmlNode) descendants(name string) []*xmlNode {
	var out []*xmlNode
	for _, c := range n.children() {
		if c.Name == name {
			out = append(out, c)
		}
		out = append(out, c.descendants(name)...)
	}
	return out
}

// text sammelt allen Text des Teilbaums in Dokumentreihenfolge ein
// (Äquivalent zu itertext) und trimmt das Ergebnis.
func (n *xmlNode) text() string {
	var b strings.Builder
	n.collectText(&b)
	return strings.TrimSpace(b.String())
}

func (n *xmlNode) collectText(b *strings.Builder) {
	for _, s := range n.seq {
		switch v := s.(type) {
		case string:
			b.WriteString(v)
		case *xmlNode:
			v.collectText(b)
		}
	}
}
