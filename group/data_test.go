package group

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateNewGroup(t *testing.T) {
	data, err := CreateNew("friends", "alice", []string{"bob", "carol", "alice"})
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob", "carol"}, data.Members)
	require.Equal(t, []string{"alice"}, data.Admins)
	require.NotEmpty(t, data.Secret)
	require.True(t, data.Accepted)
}

func TestAddMemberRotatesSecret(t *testing.T) {
	data, err := CreateNew("g", "alice", nil)
	require.NoError(t, err)
	oldSecret := data.Secret

	updated, ok, err := AddMember(data, "dave", "alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, updated.Members, "dave")
	require.NotEqual(t, oldSecret, updated.Secret)
}

func TestAddMemberRejectsNonAdmin(t *testing.T) {
	data, err := CreateNew("g", "alice", []string{"bob"})
	require.NoError(t, err)
	_, ok, err := AddMember(data, "dave", "bob")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAddMemberRejectsDuplicate(t *testing.T) {
	data, err := CreateNew("g", "alice", []string{"bob"})
	require.NoError(t, err)
	_, ok, err := AddMember(data, "bob", "alice")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRemoveMemberRotatesSecretAndPurgesAdmin(t *testing.T) {
	data, err := CreateNew("g", "alice", []string{"bob"})
	require.NoError(t, err)
	data, ok := AddAdmin(data, "bob", "alice")
	require.True(t, ok)
	oldSecret := data.Secret

	updated, ok, err := RemoveMember(data, "bob", "alice")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotContains(t, updated.Members, "bob")
	require.NotContains(t, updated.Admins, "bob")
	require.NotEqual(t, oldSecret, updated.Secret)
}

func TestRemoveMemberRejectsSelfRemoval(t *testing.T) {
	data, err := CreateNew("g", "alice", []string{"bob"})
	require.NoError(t, err)
	_, ok, err := RemoveMember(data, "alice", "alice")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRemoveAdminKeepsAtLeastOne(t *testing.T) {
	data, err := CreateNew("g", "alice", nil)
	require.NoError(t, err)
	_, ok := RemoveAdmin(data, "alice", "alice")
	require.False(t, ok)
}

func TestAddAdminRequiresMembership(t *testing.T) {
	data, err := CreateNew("g", "alice", nil)
	require.NoError(t, err)
	_, ok := AddAdmin(data, "bob", "alice")
	require.False(t, ok)
}

func TestMetadataRoundTripAndValidation(t *testing.T) {
	data, err := CreateNew("g", "alice", []string{"bob"})
	require.NoError(t, err)

	content, err := BuildMetadataContent(data, false)
	require.NoError(t, err)

	metadata, ok := ParseMetadata(content)
	require.True(t, ok)
	require.Equal(t, data.ID, metadata.ID)
	require.Equal(t, data.Secret, metadata.Secret)

	require.True(t, ValidateMetadataCreation(metadata, "alice", "bob"))
	require.False(t, ValidateMetadataCreation(metadata, "bob", "bob"))
}

func TestBuildMetadataContentExcludesSecret(t *testing.T) {
	data, err := CreateNew("g", "alice", nil)
	require.NoError(t, err)
	content, err := BuildMetadataContent(data, true)
	require.NoError(t, err)
	metadata, ok := ParseMetadata(content)
	require.True(t, ok)
	require.Empty(t, metadata.Secret)
}

func TestValidateMetadataUpdateDetectsRemoval(t *testing.T) {
	data, err := CreateNew("g", "alice", []string{"bob"})
	require.NoError(t, err)
	metadata := Metadata{ID: data.ID, Name: "g", Members: []string{"alice"}, Admins: []string{"alice"}}

	result := ValidateMetadataUpdate(data, metadata, "alice", "bob")
	require.Equal(t, ValidationRemoved, result)
}

func TestValidateMetadataUpdateRejectsNonAdminSender(t *testing.T) {
	data, err := CreateNew("g", "alice", []string{"bob"})
	require.NoError(t, err)
	metadata := Metadata{ID: data.ID, Name: "g", Members: data.Members, Admins: data.Admins}

	result := ValidateMetadataUpdate(data, metadata, "bob", "alice")
	require.Equal(t, ValidationReject, result)
}

func TestApplyMetadataUpdatePreservesSecretWhenAbsent(t *testing.T) {
	data, err := CreateNew("g", "alice", nil)
	require.NoError(t, err)
	metadata := Metadata{ID: data.ID, Name: "renamed", Members: data.Members, Admins: data.Admins}

	updated := ApplyMetadataUpdate(data, metadata)
	require.Equal(t, "renamed", updated.Name)
	require.Equal(t, data.Secret, updated.Secret)
	require.Equal(t, data.CreatedAt, updated.CreatedAt)
}
