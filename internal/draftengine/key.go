package draftengine

import (
	"fmt"
	"strings"
)

// DraftKey identifies one recoverable in-progress edit. Two editors working
// on different documents, related entities, or document variants never share
// a key.
type DraftKey string

const (
	newDocumentComponent    = "new"
	noRelatedComponent      = "none"
	defaultVariantComponent = "default"
)

// DeriveKey computes the draft key for a document identity. It is pure and
// deterministic: identical inputs always produce the identical key, and
// changing any component changes the key. Components are length-prefixed so
// distinct triples cannot collide even when they contain separator
// characters.
//
// An empty documentID means the document has not been committed yet; once a
// first commit assigns a concrete id, callers must derive a fresh key and
// open a new session instead of writing under the stale one.
func DeriveKey(documentID, relatedEntityID, documentVariant string) DraftKey {
	doc := strings.TrimSpace(documentID)
	if doc == "" {
		doc = newDocumentComponent
	}
	related := strings.TrimSpace(relatedEntityID)
	if related == "" {
		related = noRelatedComponent
	}
	variant := strings.TrimSpace(documentVariant)
	if variant == "" {
		variant = defaultVariantComponent
	}
	return DraftKey(fmt.Sprintf("draft:%d:%s:%d:%s:%d:%s", len(doc), doc, len(related), related, len(variant), variant))
}
