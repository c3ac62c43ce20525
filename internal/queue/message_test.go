package queue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageTypeValidate(t *testing.T) {
	for _, mt := range MessageTypes {
		assert.NoError(t, mt.Validate())
	}
	assert.Error(t, MessageType("SMS").Validate())

	_, err := NewMessage("SMS", struct{}{})
	assert.Error(t, err)
}

func TestMessageWireFormat(t *testing.T) {
	m, err := NewMessage(MessageTypeImportances, ImportancesPayload{ExperimentID: 9, Force: true})
	require.NoError(t, err)

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.JSONEq(t, `{"message_type":"IMPORTANCES","message_body":{"experiment_id":9,"force":true}}`, string(data))

	p, err := DecodeBody[ImportancesPayload](m)
	require.NoError(t, err)
	assert.Equal(t, ImportancesPayload{ExperimentID: 9, Force: true}, p)

	_, err = DecodeBody[ImportancesPayload](Message{Type: MessageTypeImportances})
	assert.Error(t, err)
	_, err = DecodeBody[ImportancesPayload](Message{Type: MessageTypeImportances, Body: json.RawMessage(`[1]`)})
	assert.Error(t, err)
}

func TestExperimentGrouper_RoundTrip(t *testing.T) {
	g := ExperimentGrouper{}
	ids := []int64{1, 42, 9007199254740993}

	for _, id := range ids {
		for _, mt := range MessageTypes {
			m, err := NewMessage(mt, NextPointsPayload{ExperimentID: id})
			require.NoError(t, err)

			key, err := g.UnparseGroupKey(m)
			require.NoError(t, err)

			rebuilt, err := g.ApplyGroupKey(Message{Type: mt}, key)
			require.NoError(t, err)

			p, err := DecodeBody[NextPointsPayload](rebuilt)
			require.NoError(t, err)
			assert.Equal(t, id, p.ExperimentID)
			assert.NoError(t, g.ValidateUnpersisted(m))
		}
	}
}

func TestExperimentGrouper_ApplyKeepsOtherFields(t *testing.T) {
	g := ExperimentGrouper{}
	m, err := NewMessage(MessageTypeEmail, EmailPayload{ExperimentID: 3, To: "a@example.com", Subject: "s"})
	require.NoError(t, err)

	moved, err := g.ApplyGroupKey(m, "5")
	require.NoError(t, err)
	p, err := DecodeBody[EmailPayload](moved)
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.ExperimentID)
	assert.Equal(t, "a@example.com", p.To)

	original, err := DecodeBody[EmailPayload](m)
	require.NoError(t, err)
	assert.Equal(t, int64(3), original.ExperimentID, "apply works on a copy")
}

func TestExperimentGrouper_Invalid(t *testing.T) {
	g := ExperimentGrouper{}

	tests := []struct {
		name string
		body string
	}{
		{"no body", ""},
		{"missing experiment id", `{"to":"x"}`},
		{"zero experiment id", `{"experiment_id":0}`},
		{"not an object", `"7"`},
		{"string experiment id", `{"experiment_id":"7"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Message{Type: MessageTypeNextPoints, Body: json.RawMessage(tt.body)}
			_, err := g.UnparseGroupKey(m)
			assert.Error(t, err)
			assert.Error(t, g.ValidateUnpersisted(m))
		})
	}

	for _, key := range []string{"", "abc", "-3", "0"} {
		_, err := g.ApplyGroupKey(Message{Type: MessageTypeNextPoints}, key)
		assert.Error(t, err, "key %q", key)
	}
}

func TestGroups(t *testing.T) {
	for _, g := range Groups {
		require.NoError(t, g.Validate())
		for _, mt := range g.MessageTypes() {
			owner, err := GroupOf(mt)
			require.NoError(t, err)
			assert.Equal(t, g, owner)
		}
	}
	assert.Error(t, Group("billing").Validate())
	_, err := GroupOf("SMS")
	assert.Error(t, err)
}

func TestQueueNames(t *testing.T) {
	names := QueueNames{MessageTypeOptimize: "refit"}

	assert.Equal(t, "refit", names.For(MessageTypeOptimize))
	assert.Equal(t, "next-points", names.For(MessageTypeNextPoints))
	assert.Equal(t, []string{"next-points", "refit"}, names.ForGroup(GroupOptimization))

	shared := QueueNames{MessageTypeNextPoints: "opt", MessageTypeOptimize: "opt"}
	assert.Equal(t, []string{"opt"}, shared.ForGroup(GroupOptimization))
}
