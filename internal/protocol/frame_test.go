package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	env, ok := ParseEnvelope([]byte(`{"cmd":"reg","sn":"FG-001"}`))
	require.True(t, ok)
	assert.Equal(t, "reg", env.Cmd)

	_, ok = ParseEnvelope([]byte(`{"sn":"FG-001"}`))
	assert.False(t, ok, "frame without cmd must be rejected")

	_, ok = ParseEnvelope([]byte(`not json`))
	assert.False(t, ok)

	_, ok = ParseEnvelope([]byte(`{"cmd":""}`))
	assert.False(t, ok, "empty cmd must be rejected")
}

func TestCloudTimeFormat(t *testing.T) {
	at := time.Date(2025, 3, 14, 9, 26, 53, 0, time.Local)
	assert.Equal(t, "2025-03-14 09:26:53", CloudTime(at))
}

func TestSendLogRequestDecoding(t *testing.T) {
	raw := []byte(`{
		"cmd": "sendlog",
		"sn": "FG-001",
		"count": 1,
		"record": [
			{"enrollid": 1001, "time": "2025-03-14 09:26:53", "note": {"msg": "face not found"}, "image": "abc"}
		]
	}`)
	var req SendLogRequest
	require.NoError(t, json.Unmarshal(raw, &req))
	require.Len(t, req.Record, 1)
	assert.Equal(t, 1001, req.Record[0].EnrollID)
	assert.Equal(t, "face not found", req.Record[0].Note.Msg)
	assert.Equal(t, "abc", req.Record[0].Image)
}

func TestRegReplyShape(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.Local)
	payload, err := json.Marshal(NewRegReply(now))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, "reg", got["ret"])
	assert.Equal(t, true, got["result"])
	assert.Equal(t, "2025-03-14 09:26:53", got["cloudtime"])
	// nosenduser must be present and false so devices keep uploading.
	assert.Equal(t, false, got["nosenduser"])
}

func TestErrorReply(t *testing.T) {
	r := ErrorReply("admin_add_user", assert.AnError)
	assert.Equal(t, "admin_add_user", r.Ret)
	assert.False(t, r.Result)
	assert.NotEmpty(t, r.Error)
}
