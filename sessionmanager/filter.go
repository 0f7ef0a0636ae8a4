package sessionmanager

import "encoding/json"

// subscribeFilter is the small subset of the Nostr REQ filter shape
// this package ever needs to build. Tag-name fields use the
// conventional "#<tag>" JSON key relays expect.
type subscribeFilter struct {
	Kinds   []int    `json:"kinds,omitempty"`
	Authors []string `json:"authors,omitempty"`
	PTags   []string `json:"#p,omitempty"`
	LTags   []string `json:"#l,omitempty"`
}

func (f subscribeFilter) json() string {
	b, err := json.Marshal(f)
	if err != nil {
		// f is always built from this package's own string fields; a
		// marshal failure here would mean encoding/json itself is
		// broken, not bad input.
		panic(err)
	}
	return string(b)
}
