package omnidesk

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalMessageTimestampPrecedence(t *testing.T) {
	// created_at wins over the millisecond epoch when both are present.
	var m Message
	require.NoError(t, json.Unmarshal([]byte(
		`{"id":"m1","created_at":"2026-03-01T12:00:09Z","timestamp":1000,"content":"x"}`), &m))
	assert.Equal(t, ts(9), m.Timestamp.UTC())

	var m2 Message
	require.NoError(t, json.Unmarshal([]byte(`{"id":"m2","timestamp":1000}`), &m2))
	assert.Equal(t, time.UnixMilli(1000).UTC(), m2.Timestamp)

	var m3 Message
	err := json.Unmarshal([]byte(`{"id":"m3","created_at":"yesterday"}`), &m3)
	assert.Error(t, err)
}

func TestUnmarshalMessageDefaults(t *testing.T) {
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"id":"m1","timestamp":1000,"content":"hi"}`), &m))
	assert.Equal(t, "text", m.Type)
	assert.Equal(t, StatusSent, m.Status)
	assert.Equal(t, "hi", m.Content.Text)
	assert.False(t, m.Pending, "server-delivered messages are never pending")

	var local Message
	require.NoError(t, json.Unmarshal([]byte(`{"client_id":"c1","timestamp":1000,"status":"pending"}`), &local))
	assert.True(t, local.Pending)
}

func TestParseContentMedia(t *testing.T) {
	c := parseContent("image", `{"url":"https://cdn.example/a.jpg","filename":"a.jpg","caption":"cat"}`)
	assert.Equal(t, ContentMedia, c.Kind)
	assert.Equal(t, "https://cdn.example/a.jpg", c.URL)
	assert.Equal(t, "cat", c.Preview())

	// Malformed media content stays raw rather than being guessed at.
	c = parseContent("image", "not-json")
	assert.Equal(t, ContentUnknown, c.Kind)
	assert.Equal(t, "not-json", c.Raw)

	c = parseContent("sticker", "whatever")
	assert.Equal(t, ContentUnknown, c.Kind)
}

func TestMessageWireRoundTrip(t *testing.T) {
	in := Message{
		ServerID:  "m1",
		ClientID:  "c1",
		Direction: DirectionOutgoing,
		Status:    StatusDelivered,
		Timestamp: ts(3),
		Content:   MediaContent("https://cdn.example/a.pdf", "a.pdf", ""),
		Type:      "file",
		Channel:   "telegram",
	}
	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Message
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.ServerID, out.ServerID)
	assert.Equal(t, in.ClientID, out.ClientID)
	assert.Equal(t, in.Status, out.Status)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
	assert.Equal(t, in.Content, out.Content)
}
