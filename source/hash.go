package source

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/c360/refstream/types"
)

// Field selector names accepted by Hash. Each normalizer enumerates the
// subset relevant to its source via HashFields.
const (
	FieldTitle        = "title"
	FieldSubtitle     = "subtitle"
	FieldAbstract     = "abstract"
	FieldLanguage     = "language"
	FieldDocType      = "document_type"
	FieldIssued       = "issued"
	FieldContributors = "contributors"
	FieldIdentifiers  = "identifiers"
	FieldSubjects     = "subjects"
)

// Hash computes the content hash of a reference over the given field
// selectors. Multi-valued fields are sorted before hashing so that list
// reordering in the source payload never produces a spurious change;
// selectors themselves are sorted so field order is irrelevant too.
func Hash(ref *types.Reference, fields []string) string {
	selectors := append([]string(nil), fields...)
	sort.Strings(selectors)

	h := sha256.New()
	for _, sel := range selectors {
		values := extract(ref, sel)
		sort.Strings(values)
		h.Write([]byte(sel))
		h.Write([]byte{0x1f})
		for _, v := range values {
			h.Write([]byte(v))
			h.Write([]byte{0x1e})
		}
		h.Write([]byte{0x1d})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func extract(ref *types.Reference, selector string) []string {
	switch selector {
	case FieldTitle:
		return []string{ref.Title}
	case FieldSubtitle:
		return []string{ref.Subtitle}
	case FieldAbstract:
		return []string{ref.Abstract}
	case FieldLanguage:
		return []string{ref.Language}
	case FieldDocType:
		return []string{ref.DocType}
	case FieldIssued:
		return []string{ref.PublishedAt}
	case FieldContributors:
		values := make([]string, 0, len(ref.Contributors))
		for _, c := range ref.Contributors {
			values = append(values, fmt.Sprintf("%s|%s", c.Role, c.Name))
		}
		return values
	case FieldIdentifiers:
		values := make([]string, 0, len(ref.Identifiers))
		for _, id := range ref.Identifiers {
			values = append(values, fmt.Sprintf("%s|%s", id.Type, strings.ToLower(id.Value)))
		}
		return values
	case FieldSubjects:
		return append([]string(nil), ref.Subjects...)
	default:
		// Unknown selectors contribute nothing rather than failing: a
		// source may enumerate a field this record does not carry.
		return nil
	}
}
