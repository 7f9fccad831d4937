package relay

import "slices"

// Filter selects envelopes on a subscription. Empty fields match anything.
type Filter struct {
	IDs        []string `json:"ids,omitempty"`
	Authors    []string `json:"authors,omitempty"`
	Kinds      []Kind   `json:"kinds,omitempty"`
	Since      int64    `json:"since,omitempty"`
	Until      int64    `json:"until,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	Recipients []string `json:"#p,omitempty"`
	Replies    []string `json:"#e,omitempty"`
}

// Matches reports whether e satisfies every populated field of f.
func (f Filter) Matches(e *Envelope) bool {
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, e.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}
	if f.Since != 0 && e.CreatedAt < f.Since {
		return false
	}
	if f.Until != 0 && e.CreatedAt > f.Until {
		return false
	}
	if len(f.Recipients) > 0 && !hasTagValue(e, tagRecipient, f.Recipients) {
		return false
	}
	if len(f.Replies) > 0 && !hasTagValue(e, tagReplyTo, f.Replies) {
		return false
	}
	return true
}

func hasTagValue(e *Envelope, name string, values []string) bool {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name && slices.Contains(values, t[1]) {
			return true
		}
	}
	return false
}

// MatchesAny reports whether any filter matches e.
func MatchesAny(filters []Filter, e *Envelope) bool {
	for _, f := range filters {
		if f.Matches(e) {
			return true
		}
	}
	return false
}
