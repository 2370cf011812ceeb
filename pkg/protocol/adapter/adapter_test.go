package adapter

import (
	"encoding/json"
	"testing"

	"github.com/stacklok/mcp-proxy/pkg/perrors"
	"github.com/stacklok/mcp-proxy/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, s string) protocol.JSON {
	t.Helper()
	var m protocol.JSON
	require.NoError(t, json.Unmarshal([]byte(s), &m))
	return m
}

func TestNew_AllNinePairsCovered(t *testing.T) {
	versions := protocol.AllVersions
	for _, src := range versions {
		for _, tgt := range versions {
			a := New(src, tgt)
			require.NotNil(t, a)
		}
	}
}

func TestNew_SameVersionIsPassThrough(t *testing.T) {
	for _, v := range protocol.AllVersions {
		a := New(v, v)
		req := decode(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call"}`)
		out, err := a.TranslateRequest(req)
		require.NoError(t, err)
		assert.Equal(t, req, out)
	}
}

func TestTranslateRequest_AlwaysPassThrough(t *testing.T) {
	a := New(protocol.V20250618, protocol.V20241105)
	req := decode(t, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"x"}}`)
	out, err := a.TranslateRequest(req)
	require.NoError(t, err)
	assert.Equal(t, req, out)
}

func TestToolsList_618To241105_StripsFields(t *testing.T) {
	a := New(protocol.V20250618, protocol.V20241105)
	resp := decode(t, `{"jsonrpc":"2.0","id":1,"result":{"tools":[{"name":"my-tool","title":"My Tool","description":"d","outputSchema":{"type":"string"}}]}}`)
	out, err := a.TranslateResponse("tools/list", resp)
	require.NoError(t, err)
	tool := out["result"].(protocol.JSON)["tools"].([]any)[0].(protocol.JSON)
	assert.Equal(t, "my-tool", tool["name"])
	assert.Equal(t, "d", tool["description"])
	_, hasTitle := tool["title"]
	_, hasSchema := tool["outputSchema"]
	assert.False(t, hasTitle)
	assert.False(t, hasSchema)
}

func TestResourcesRead_618To241105_StripsNameTitle(t *testing.T) {
	a := New(protocol.V20250618, protocol.V20241105)
	resp := decode(t, `{"jsonrpc":"2.0","id":1,"result":{"contents":[{"uri":"file:///a.txt","name":"a.txt","title":"A","text":"hi"}]}}`)
	out, err := a.TranslateResponse("resources/read", resp)
	require.NoError(t, err)
	entry := out["result"].(protocol.JSON)["contents"].([]any)[0].(protocol.JSON)
	assert.Equal(t, "file:///a.txt", entry["uri"])
	_, hasName := entry["name"]
	_, hasTitle := entry["title"]
	assert.False(t, hasName)
	assert.False(t, hasTitle)
}

func TestAudioDowngrade_326To241105(t *testing.T) {
	a := New(protocol.V20250326, protocol.V20241105)
	resp := decode(t, `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"audio","data":"abc","mimeType":"audio/mp3"}]}}`)
	out, err := a.TranslateResponse("tools/call", resp)
	require.NoError(t, err)
	entry := out["result"].(protocol.JSON)["content"].([]any)[0].(protocol.JSON)
	assert.Equal(t, "text", entry["type"])
	assert.Equal(t, "[Audio content: audio/mp3]", entry["text"])
}

func TestAudioDowngrade_618To326_DoesNotConvertAudio(t *testing.T) {
	a := New(protocol.V20250618, protocol.V20250326)
	resp := decode(t, `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"audio","data":"abc","mimeType":"audio/mp3"}],"structuredContent":{"x":1}}}`)
	out, err := a.TranslateResponse("tools/call", resp)
	require.NoError(t, err)
	result := out["result"].(protocol.JSON)
	entry := result["content"].([]any)[0].(protocol.JSON)
	assert.Equal(t, "audio", entry["type"], "2025-03-26 supports audio, must not be converted")
	_, hasStructured := result["structuredContent"]
	assert.False(t, hasStructured)
}

func TestResourceNameDerivation_241105To618(t *testing.T) {
	a := New(protocol.V20241105, protocol.V20250618)
	resp := decode(t, `{"jsonrpc":"2.0","id":1,"result":{"contents":[{"uri":"file:///home/user/document.txt","mimeType":"text/plain","text":"x"}]}}`)
	out, err := a.TranslateResponse("resources/read", resp)
	require.NoError(t, err)
	entry := out["result"].(protocol.JSON)["contents"].([]any)[0].(protocol.JSON)
	assert.Equal(t, "document.txt", entry["name"])
}

func TestResourceNameDerivation_326To618(t *testing.T) {
	a := New(protocol.V20250326, protocol.V20250618)
	resp := decode(t, `{"jsonrpc":"2.0","id":1,"result":{"contents":[{"uri":"file:///x/y/report.csv"}]}}`)
	out, err := a.TranslateResponse("resources/read", resp)
	require.NoError(t, err)
	entry := out["result"].(protocol.JSON)["contents"].([]any)[0].(protocol.JSON)
	assert.Equal(t, "report.csv", entry["name"])
}

func TestNotificationDropped_WhenDowngradingTo241105(t *testing.T) {
	for _, src := range []protocol.Version{protocol.V20250326, protocol.V20250618} {
		a := New(src, protocol.V20241105)
		notif := decode(t, `{"jsonrpc":"2.0","method":"notifications/resources/updated","params":{}}`)
		_, err := a.TranslateNotification(notif)
		require.Error(t, err)
		perr, ok := err.(*perrors.Error)
		require.True(t, ok)
		assert.Equal(t, perrors.KindProtocolUnsupportedNotif, perr.Kind)
	}
}

func TestNotificationPassThrough_OtherPairs(t *testing.T) {
	a := New(protocol.V20250618, protocol.V20250326)
	notif := decode(t, `{"jsonrpc":"2.0","method":"notifications/resources/updated","params":{}}`)
	out, err := a.TranslateNotification(notif)
	require.NoError(t, err)
	assert.Equal(t, notif, out)
}

func TestGenerateResourceName(t *testing.T) {
	tests := []struct{ uri, want string }{
		{"file:///home/user/document.txt", "document.txt"},
		{"file:///a/b%20c.txt", "b c.txt"},
		{"https://example.com/path/to/file.json", "file.json"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GenerateResourceName(tt.uri))
	}
}
