// Package group implements one group's authoritative membership data,
// the pure admin/membership operations over it, and the per-group
// sender-key channel that fans messages out over pairwise sessions,
// plus its membership and admin primitives.
package group

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nostrchat/doubleratchet/kdf"
)

// Data is one group's authoritative view: membership, admins, and the
// shared-channel secret used only by the legacy broadcast path.
type Data struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Picture     string   `json:"picture,omitempty"`
	Members     []string `json:"members"`
	Admins      []string `json:"admins"`
	CreatedAt   int64    `json:"createdAt"`
	Secret      string   `json:"secret,omitempty"` // hex
	Accepted    bool     `json:"accepted,omitempty"`
}

// Metadata is the wire representation carried in group-metadata-kind
// inner rumors: the same shape as Data minus CreatedAt/Accepted, which
// are local bookkeeping rather than group-wide facts.
type Metadata struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Picture     string   `json:"picture,omitempty"`
	Members     []string `json:"members"`
	Admins      []string `json:"admins"`
	Secret      string   `json:"secret,omitempty"`
}

// Validation is the outcome of checking an incoming metadata update.
type Validation int

const (
	// ValidationAccept means the update may be applied.
	ValidationAccept Validation = iota
	// ValidationReject means the sender was not an admin.
	ValidationReject
	// ValidationRemoved means the local member is no longer listed;
	// the caller should delete its local copy of the group.
	ValidationRemoved
)

// Update describes the mutable fields of Data an admin may change.
type Update struct {
	Name        *string
	Description *string
	Picture     *string
}

// IsAdmin reports whether pubkey is listed as an admin of group.
func IsAdmin(data Data, pubkey string) bool {
	for _, a := range data.Admins {
		if a == pubkey {
			return true
		}
	}
	return false
}

func isMember(data Data, pubkey string) bool {
	for _, m := range data.Members {
		if m == pubkey {
			return true
		}
	}
	return false
}

// GenerateSecret returns a fresh 32-byte hex-encoded shared-channel
// secret.
func GenerateSecret() (string, error) {
	b, err := kdf.RandomBytes32()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CreateNew builds a new group with creator as the sole admin and
// first member.
func CreateNew(name, creatorPubkey string, memberPubkeys []string) (Data, error) {
	members := []string{creatorPubkey}
	for _, m := range memberPubkeys {
		if m != creatorPubkey {
			members = append(members, m)
		}
	}
	secret, err := GenerateSecret()
	if err != nil {
		return Data{}, err
	}
	return Data{
		ID:        uuid.NewString(),
		Name:      name,
		Members:   members,
		Admins:    []string{creatorPubkey},
		CreatedAt: time.Now().UnixMilli(),
		Secret:    secret,
		Accepted:  true,
	}, nil
}

// BuildMetadataContent serializes data as group-metadata-kind content.
// excludeSecret omits the shared secret (e.g. when re-broadcasting
// metadata to a party who should not learn it directly).
func BuildMetadataContent(data Data, excludeSecret bool) (string, error) {
	m := Metadata{
		ID:          data.ID,
		Name:        data.Name,
		Description: data.Description,
		Picture:     data.Picture,
		Members:     data.Members,
		Admins:      data.Admins,
	}
	if !excludeSecret {
		m.Secret = data.Secret
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ParseMetadata parses group-metadata-kind content. Requires a
// non-empty id, name, and at least one admin.
func ParseMetadata(content string) (Metadata, bool) {
	var m Metadata
	if err := json.Unmarshal([]byte(content), &m); err != nil {
		return Metadata{}, false
	}
	if m.ID == "" || m.Name == "" || len(m.Admins) == 0 {
		return Metadata{}, false
	}
	return m, true
}

// ValidateMetadataUpdate checks an incoming metadata update against
// the existing group: sender must be a current admin, and the local
// actor myPubkey must still be a member.
func ValidateMetadataUpdate(existing Data, metadata Metadata, sender, myPubkey string) Validation {
	if !IsAdmin(existing, sender) {
		return ValidationReject
	}
	found := false
	for _, m := range metadata.Members {
		if m == myPubkey {
			found = true
			break
		}
	}
	if !found {
		return ValidationRemoved
	}
	return ValidationAccept
}

// ValidateMetadataCreation checks a brand-new group-metadata rumor:
// the sender must be listed as an admin, and myPubkey must be a member.
func ValidateMetadataCreation(metadata Metadata, sender, myPubkey string) bool {
	senderIsAdmin := false
	for _, a := range metadata.Admins {
		if a == sender {
			senderIsAdmin = true
			break
		}
	}
	if !senderIsAdmin {
		return false
	}
	for _, m := range metadata.Members {
		if m == myPubkey {
			return true
		}
	}
	return false
}

// ApplyMetadataUpdate merges an accepted Metadata into existing,
// preserving local-only fields (CreatedAt, Accepted). A metadata
// update with no secret keeps the group's current secret.
func ApplyMetadataUpdate(existing Data, metadata Metadata) Data {
	secret := metadata.Secret
	if secret == "" {
		secret = existing.Secret
	}
	return Data{
		ID:          existing.ID,
		Name:        metadata.Name,
		Description: metadata.Description,
		Picture:     metadata.Picture,
		Members:     metadata.Members,
		Admins:      metadata.Admins,
		Secret:      secret,
		CreatedAt:   existing.CreatedAt,
		Accepted:    existing.Accepted,
	}
}

// AddMember adds pubkey as a member, rotating the shared-channel
// secret so future broadcasts assume the new member's presence. Fails
// (returns ok=false) unless actor is an admin and pubkey is not
// already a member.
func AddMember(data Data, pubkey, actor string) (Data, bool, error) {
	if !IsAdmin(data, actor) || isMember(data, pubkey) {
		return Data{}, false, nil
	}
	secret, err := GenerateSecret()
	if err != nil {
		return Data{}, false, err
	}
	out := data
	out.Members = append(append([]string{}, data.Members...), pubkey)
	out.Secret = secret
	return out, true, nil
}

// RemoveMember removes pubkey from members and admins, rotating the
// shared secret so the removed member can no longer decrypt legacy
// broadcasts. Fails unless actor is an admin, pubkey is a current
// member, and pubkey != actor (no self-removal through this path).
func RemoveMember(data Data, pubkey, actor string) (Data, bool, error) {
	if !IsAdmin(data, actor) || !isMember(data, pubkey) || pubkey == actor {
		return Data{}, false, nil
	}
	secret, err := GenerateSecret()
	if err != nil {
		return Data{}, false, err
	}
	out := data
	out.Members = filterOut(data.Members, pubkey)
	out.Admins = filterOut(data.Admins, pubkey)
	out.Secret = secret
	return out, true, nil
}

// UpdateData applies name/description/picture changes. Fails unless
// actor is an admin.
func UpdateData(data Data, update Update, actor string) (Data, bool) {
	if !IsAdmin(data, actor) {
		return Data{}, false
	}
	out := data
	if update.Name != nil {
		out.Name = *update.Name
	}
	if update.Description != nil {
		out.Description = *update.Description
	}
	if update.Picture != nil {
		out.Picture = *update.Picture
	}
	return out, true
}

// AddAdmin promotes pubkey to admin. Fails unless actor is an admin,
// pubkey is a member, and pubkey is not already an admin.
func AddAdmin(data Data, pubkey, actor string) (Data, bool) {
	if !IsAdmin(data, actor) || !isMember(data, pubkey) || IsAdmin(data, pubkey) {
		return Data{}, false
	}
	out := data
	out.Admins = append(append([]string{}, data.Admins...), pubkey)
	return out, true
}

// RemoveAdmin demotes pubkey. Fails unless actor is an admin, pubkey
// is a current admin, and this would not remove the last admin.
func RemoveAdmin(data Data, pubkey, actor string) (Data, bool) {
	if !IsAdmin(data, actor) || !IsAdmin(data, pubkey) || len(data.Admins) <= 1 {
		return Data{}, false
	}
	out := data
	out.Admins = filterOut(data.Admins, pubkey)
	return out, true
}

func filterOut(list []string, target string) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}
