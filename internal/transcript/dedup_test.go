package transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"LiveAvatarGateway/internal/conversation"
)

const (
	user   = conversation.SpeakerUser
	avatar = conversation.SpeakerAvatar
)

func TestAcceptSuppressesImmediateRepeat(t *testing.T) {
	d := NewDeduplicator()

	assert.True(t, d.Accept(user, "ciao"))
	assert.False(t, d.Accept(user, "ciao"))
	assert.False(t, d.Accept(user, "ciao"))
	assert.True(t, d.Accept(user, "ciao come stai"))
}

func TestAcceptRejectsEmpty(t *testing.T) {
	d := NewDeduplicator()
	assert.False(t, d.Accept(user, ""))
	assert.True(t, d.Accept(user, "x"))
	assert.False(t, d.Accept(user, ""))
	// 空文本不改变基线
	assert.False(t, d.Accept(user, "x"))
}

func TestAcceptIsLastValueNotSet(t *testing.T) {
	d := NewDeduplicator()
	assert.True(t, d.Accept(user, "a"))
	assert.True(t, d.Accept(user, "b"))
	assert.True(t, d.Accept(user, "a"))
}

func TestSpeakersAreIndependent(t *testing.T) {
	d := NewDeduplicator()
	assert.True(t, d.Accept(user, "same"))
	assert.True(t, d.Accept(avatar, "same"))
	assert.False(t, d.Accept(avatar, "same"))
	assert.False(t, d.Accept(user, "same"))
}

func TestResetSpeakerAllowsRepeatAfterBoundary(t *testing.T) {
	d := NewDeduplicator()
	assert.True(t, d.Accept(user, "yes"))
	assert.True(t, d.Accept(avatar, "ok"))

	d.ResetSpeaker(user)
	assert.True(t, d.Accept(user, "yes"))
	// 另一方不受影响
	assert.False(t, d.Accept(avatar, "ok"))

	d.Reset()
	assert.True(t, d.Accept(avatar, "ok"))
}

func TestAcceptPropertyOverSequences(t *testing.T) {
	seqs := [][]string{
		{"a", "a", "b", "b", "b", "a"},
		{"hello", "hello world", "hello world", "hello world!"},
		{"x"},
	}
	for _, seq := range seqs {
		d := NewDeduplicator()
		prev := ""
		for i, text := range seq {
			got := d.Accept(user, text)
			want := i == 0 || text != prev
			assert.Equal(t, want, got, "seq=%v idx=%d", seq, i)
			prev = text
		}
	}
}
