package crossref

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360/refstream/errors"
	"github.com/c360/refstream/source"
	"github.com/c360/refstream/types"
)

// Normalizer converts Crossref work payloads to normalized references.
type Normalizer struct{}

var _ source.Normalizer = (*Normalizer)(nil)

// NewNormalizer creates a Crossref normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// HashFields enumerates the fields Crossref change detection hashes over.
// Citation counts and other volatile metadata are deliberately excluded.
func (n *Normalizer) HashFields() []string {
	return []string{
		source.FieldTitle,
		source.FieldSubtitle,
		source.FieldAbstract,
		source.FieldDocType,
		source.FieldIssued,
		source.FieldContributors,
		source.FieldIdentifiers,
	}
}

type work struct {
	DOI      string     `json:"DOI"`
	Type     string     `json:"type"`
	Title    []string   `json:"title"`
	Subtitle []string   `json:"subtitle"`
	Abstract string     `json:"abstract"`
	Language string     `json:"language"`
	Author   []workName `json:"author"`
	Editor   []workName `json:"editor"`
	Issued   workDate   `json:"issued"`
	Subject  []string   `json:"subject"`
	ISSN     []string   `json:"ISSN"`
	ISBN     []string   `json:"ISBN"`
}

type workName struct {
	Given  string `json:"given"`
	Family string `json:"family"`
	Name   string `json:"name"`
}

type workDate struct {
	DateParts [][]int `json:"date-parts"`
}

// Convert normalizes one Crossref work.
func (n *Normalizer) Convert(raw source.RawResult) (types.Reference, error) {
	var w work
	if err := json.Unmarshal(raw.Payload, &w); err != nil {
		return types.Reference{}, errors.Format(Name, err)
	}
	if len(w.Title) == 0 || w.Title[0] == "" {
		return types.Reference{}, errors.Format(Name, fmt.Errorf("work %s has no title", raw.SourceID))
	}

	ref := types.Reference{
		Source:   Name,
		SourceID: raw.SourceID,
		Title:    w.Title[0],
		Abstract: stripJATS(w.Abstract),
		Language: w.Language,
		DocType:  w.Type,
		Subjects: w.Subject,
	}
	if len(w.Subtitle) > 0 {
		ref.Subtitle = w.Subtitle[0]
	}
	ref.PublishedAt = formatDateParts(w.Issued.DateParts)

	for _, a := range w.Author {
		ref.Contributors = append(ref.Contributors, types.Contributor{
			Name: contributorName(a),
			Role: "author",
		})
	}
	for _, e := range w.Editor {
		ref.Contributors = append(ref.Contributors, types.Contributor{
			Name: contributorName(e),
			Role: "editor",
		})
	}

	ref.Identifiers = append(ref.Identifiers, types.ReferenceIdentifier{Type: "doi", Value: w.DOI})
	for _, issn := range w.ISSN {
		ref.Identifiers = append(ref.Identifiers, types.ReferenceIdentifier{Type: "issn", Value: issn})
	}
	for _, isbn := range w.ISBN {
		ref.Identifiers = append(ref.Identifiers, types.ReferenceIdentifier{Type: "isbn", Value: isbn})
	}

	ref.Hash = source.Hash(&ref, n.HashFields())
	return ref, nil
}

func contributorName(n workName) string {
	if n.Name != "" {
		return n.Name
	}
	return strings.TrimSpace(n.Given + " " + n.Family)
}

func formatDateParts(parts [][]int) string {
	if len(parts) == 0 || len(parts[0]) == 0 {
		return ""
	}
	p := parts[0]
	switch len(p) {
	case 1:
		return fmt.Sprintf("%04d", p[0])
	case 2:
		return fmt.Sprintf("%04d-%02d", p[0], p[1])
	default:
		return fmt.Sprintf("%04d-%02d-%02d", p[0], p[1], p[2])
	}
}

// stripJATS removes the JATS markup Crossref wraps abstracts in.
func stripJATS(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
