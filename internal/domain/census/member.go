// Package census defines the domain model for the flair census engine:
// the scan checkpoint aggregate, the scan status state machine, and the
// contracts for page sources and checkpoint persistence.
package census

import "context"

// UnknownMemberID is recorded in place of a member identifier when the
// listing returns a member without one.
const UnknownMemberID = "Unknown"

// Member is a single entry from the community membership listing. Flair is
// the profile attribute members are grouped by; it may be empty, in which
// case the member is excluded from the census.
type Member struct {
	ID    string `json:"id"`
	Flair string `json:"flair"`
}

// MemberPage is one page of the community membership listing. Next carries
// the opaque cursor for the following page, or nil when the listing is
// exhausted.
type MemberPage struct {
	Members []Member `json:"members"`
	Next    *string  `json:"next"`
}

// PageSource provides paginated access to the community membership listing.
// Implementations must return distinguishable errors for transport failures
// and malformed responses (see NewTransportError and NewMalformedPageError);
// the engine treats both as fatal to the scan generation.
type PageSource interface {
	// FetchPage returns the page of members at the given cursor. A nil
	// cursor requests the first page of the listing.
	FetchPage(ctx context.Context, cursor *string) (*MemberPage, error)
}
