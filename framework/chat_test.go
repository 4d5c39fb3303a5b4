package framework

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentJSON(t *testing.T) {
	entry := ChatEntry{Role: RoleUser, Content: Parts(TextPart("look"), ImageURLPart("data:image/png;base64,AAAA"))}
	data, err := json.Marshal(entry)
	require.NoError(t, err)

	var decoded ChatEntry
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.True(t, decoded.Content.IsParts())
	require.Len(t, decoded.Content.PartList(), 2)
	assert.Equal(t, PartImageURL, decoded.Content.PartList()[1].Kind)
	assert.Equal(t, "look", decoded.Content.String())

	data, err = json.Marshal(UserEntry("plain"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user","content":"plain"}`, string(data))

	var bad Content
	assert.Error(t, json.Unmarshal([]byte(`42`), &bad))
}

func TestChatlogValidate(t *testing.T) {
	log := Chatlog{
		UserEntry("hi"),
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "echo"}}},
		ToolResultEntry("c1", "ok"),
	}
	assert.NoError(t, log.Validate())

	assert.Error(t, Chatlog{ToolResultEntry("c1", "ok")}.Validate())
	assert.Error(t, Chatlog{{Role: RoleTool, Content: Text("x")}}.Validate())
	assert.Error(t, Chatlog{{Role: "bot", Content: Text("x")}}.Validate())
}

func TestChatlogTranscript(t *testing.T) {
	log := Chatlog{SystemEntry("be nice")}
	log.Append(UserEntry("hello"))
	out, err := log.Transcript()
	require.NoError(t, err)
	assert.Equal(t, "system: be nice\nuser: hello\n", out)

	log = log.Concat(Chatlog{{Role: RoleUser, Content: Parts(TextPart("x"))}})
	_, err = log.Transcript()
	assert.True(t, errors.Is(err, ErrMultipartTranscript))
}
