package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/knirvcorp/automerge-repo-go/internal/docid"
)

func TestMessageValid(t *testing.T) {
	id := docid.New()

	cases := []struct {
		name string
		msg  Message
		want bool
	}{
		{"missing type", Message{SenderID: "a", TargetID: "b"}, false},
		{"missing sender", Message{Type: MessageSync, TargetID: "b"}, false},
		{"missing target", Message{Type: MessageSync, SenderID: "a"}, false},
		{"sync without document", Message{Type: MessageSync, SenderID: "a", TargetID: "b", Data: []byte("x")}, false},
		{"sync without data", Message{Type: MessageSync, SenderID: "a", TargetID: "b", DocumentID: id}, false},
		{"valid sync", Message{Type: MessageSync, SenderID: "a", TargetID: "b", DocumentID: id, Data: []byte("x")}, true},
		{"valid request", Message{Type: MessageRequest, SenderID: "a", TargetID: "b", DocumentID: id, Data: []byte("x")}, true},
		{"valid doc-unavailable", Message{Type: MessageDocUnavailable, SenderID: "a", TargetID: "b", DocumentID: id}, true},
		{"ephemeral without session", Message{Type: MessageEphemeral, SenderID: "a", TargetID: "b", DocumentID: id}, false},
		{"valid ephemeral", Message{Type: MessageEphemeral, SenderID: "a", TargetID: "b", DocumentID: id, SessionID: "s1"}, true},
		{"valid remote-subscription-change", Message{Type: MessageRemoteSubscriptionChange, SenderID: "a", TargetID: "b"}, true},
		{"remote-heads-changed without document", Message{Type: MessageRemoteHeadsChanged, SenderID: "a", TargetID: "b"}, false},
		{"valid remote-heads-changed", Message{Type: MessageRemoteHeadsChanged, SenderID: "a", TargetID: "b", DocumentID: id}, true},
		{"unknown type", Message{Type: "bogus", SenderID: "a", TargetID: "b"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.msg.Valid())
		})
	}
}
