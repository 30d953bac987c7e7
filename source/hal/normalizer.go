package hal

import (
	"encoding/json"
	"fmt"

	"github.com/c360/refstream/errors"
	"github.com/c360/refstream/source"
	"github.com/c360/refstream/types"
)

// Normalizer converts HAL document payloads to normalized references.
type Normalizer struct{}

var _ source.Normalizer = (*Normalizer)(nil)

// NewNormalizer creates a HAL normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// HashFields enumerates the fields HAL change detection hashes over.
func (n *Normalizer) HashFields() []string {
	return []string{
		source.FieldTitle,
		source.FieldSubtitle,
		source.FieldAbstract,
		source.FieldDocType,
		source.FieldIssued,
		source.FieldContributors,
		source.FieldIdentifiers,
		source.FieldSubjects,
	}
}

type halDoc struct {
	HalID        string   `json:"halId_s"`
	Title        []string `json:"title_s"`
	Subtitle     []string `json:"subTitle_s"`
	Abstract     []string `json:"abstract_s"`
	DocType      string   `json:"docType_s"`
	Language     []string `json:"language_s"`
	ProducedDate string   `json:"producedDate_s"`
	Authors      []string `json:"authFullName_s"`
	Keywords     []string `json:"keyword_s"`
	DOI          string   `json:"doiId_s"`
}

// Convert normalizes one HAL document.
func (n *Normalizer) Convert(raw source.RawResult) (types.Reference, error) {
	var doc halDoc
	if err := json.Unmarshal(raw.Payload, &doc); err != nil {
		return types.Reference{}, errors.Format(Name, err)
	}
	if len(doc.Title) == 0 || doc.Title[0] == "" {
		return types.Reference{}, errors.Format(Name, fmt.Errorf("document %s has no title", raw.SourceID))
	}

	ref := types.Reference{
		Source:      Name,
		SourceID:    raw.SourceID,
		Title:       doc.Title[0],
		DocType:     doc.DocType,
		PublishedAt: doc.ProducedDate,
		Subjects:    doc.Keywords,
	}
	if len(doc.Subtitle) > 0 {
		ref.Subtitle = doc.Subtitle[0]
	}
	if len(doc.Abstract) > 0 {
		ref.Abstract = doc.Abstract[0]
	}
	if len(doc.Language) > 0 {
		ref.Language = doc.Language[0]
	}
	for _, name := range doc.Authors {
		ref.Contributors = append(ref.Contributors, types.Contributor{Name: name, Role: "author"})
	}
	ref.Identifiers = append(ref.Identifiers, types.ReferenceIdentifier{Type: "hal", Value: doc.HalID})
	if doc.DOI != "" {
		ref.Identifiers = append(ref.Identifiers, types.ReferenceIdentifier{Type: "doi", Value: doc.DOI})
	}

	ref.Hash = source.Hash(&ref, n.HashFields())
	return ref, nil
}
