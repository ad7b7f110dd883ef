package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSenderFor(t *testing.T) {
	cases := []struct {
		author string
		viewer PartyRole
		want   Sender
	}{
		{"client", RoleClient, SenderUser},
		{"client", RoleFreelancer, SenderOtherParty},
		{"freelancer", RoleClient, SenderOtherParty},
		{string(AIMediator), RoleClient, SenderAIMediator},
		{string(AILawyerClient), RoleClient, SenderAILawyerUser},
		{string(AILawyerClient), RoleFreelancer, SenderAILawyerOther},
		{string(AILawyerFreelance), RoleFreelancer, SenderAILawyerUser},
		{AuthorSystem, RoleFreelancer, SenderSystem},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, SenderFor(tc.author, tc.viewer), "%s seen by %s", tc.author, tc.viewer)
	}
}

func TestEnvelopeForViewer(t *testing.T) {
	entry := Entry{
		Sequence: 7,
		Type:     EnvelopeChat,
		Message:  &NegotiationMessage{ID: "m1", Author: "client", Content: "Can we move the deadline?"},
	}
	env, err := entry.Envelope("c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), env.Sequence)
	assert.True(t, env.VisibleTo(RoleFreelancer))

	var seen NegotiationMessage
	require.NoError(t, json.Unmarshal(env.ForViewer(RoleFreelancer).Payload, &seen))
	assert.Equal(t, SenderOtherParty, seen.Sender)
	require.NoError(t, json.Unmarshal(env.ForViewer(RoleClient).Payload, &seen))
	assert.Equal(t, SenderUser, seen.Sender)

	back, err := EntryFromEnvelope(env)
	require.NoError(t, err)
	assert.Equal(t, "m1", back.Message.ID)

	_, err = EntryFromEnvelope(Envelope{Type: EnvelopePartial})
	assert.Error(t, err)
}

func TestPrivateMessagesHaveAnAudience(t *testing.T) {
	entry := Entry{
		Type:    EnvelopeChat,
		Message: &NegotiationMessage{Author: "freelancer", Content: "Is 30 days net fair?", Private: true, Audience: RoleFreelancer},
	}
	env, err := entry.Envelope("c1")
	require.NoError(t, err)
	assert.Equal(t, RoleFreelancer, env.Audience)
	assert.False(t, env.VisibleTo(RoleClient))
	assert.True(t, env.VisibleTo(RoleFreelancer))
}

func TestCommittedTypes(t *testing.T) {
	assert.True(t, EnvelopeChat.Committed())
	assert.True(t, EnvelopeControl.Committed())
	assert.False(t, EnvelopePartial.Committed())
	assert.False(t, EnvelopeError.Committed())

	status, ok := ParseSectionStatus("in_negotiation")
	assert.True(t, ok)
	assert.Equal(t, SectionDiscussing, status)
}

func TestDraftContractJSON(t *testing.T) {
	raw, err := json.Marshal(Contract{ID: "c1", Status: ContractStatusDraft})
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Contains(t, fields, "status")
	for _, key := range []string{"expiresAt", "completedAt", "signedAt"} {
		assert.NotContains(t, fields, key)
	}
}
