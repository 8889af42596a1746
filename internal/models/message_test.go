package models

import (
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeContent(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		want   string
		wantOK bool
	}{
		{name: "plain", in: "hello", want: "hello", wantOK: true},
		{name: "trimmed", in: "  hi \n", want: "hi", wantOK: true},
		{name: "empty", in: "", want: "", wantOK: false},
		{name: "whitespace only", in: " \t\n ", want: "", wantOK: false},
		{name: "at limit", in: strings.Repeat("é", MaxContentLength), want: strings.Repeat("é", MaxContentLength), wantOK: true},
		{name: "over limit", in: strings.Repeat("a", MaxContentLength+1), want: strings.Repeat("a", MaxContentLength+1), wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeContent(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMessage_BeforeBreaksTiesByID(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msgs := []Message{
		{ID: 7, CreatedAt: now},
		{ID: 3, CreatedAt: now.Add(time.Millisecond)},
		{ID: 5, CreatedAt: now},
		{ID: 1, CreatedAt: now.Add(-time.Second)},
	}

	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Before(&msgs[j]) })

	ids := make([]int64, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
	}
	require.Equal(t, []int64{1, 5, 7, 3}, ids)
}

func TestConversation_Participants(t *testing.T) {
	a, b := NormalizePair(9, 4)
	require.Equal(t, int64(4), a)
	require.Equal(t, int64(9), b)

	c := Conversation{UserAID: a, UserBID: b}
	assert.True(t, c.HasParticipant(9))
	assert.False(t, c.HasParticipant(5))
	assert.Equal(t, int64(9), c.OtherUserID(4))
	assert.Equal(t, int64(4), c.OtherUserID(9))
}
