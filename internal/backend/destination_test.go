package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDestination(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"353899548661", "353899548661@s.whatsapp.net"},
		{"+353 89 954 8661", "353899548661@s.whatsapp.net"},
		{"120363025246125486@g.us", "120363025246125486@g.us"},
		{"353899548661@s.whatsapp.net", "353899548661@s.whatsapp.net"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := NormalizeDestination(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeDestination_Rejects(t *testing.T) {
	for _, in := range []string{"", "   ", "abc", "@g.us", "123@"} {
		_, err := NormalizeDestination(in)
		require.ErrorIs(t, err, ErrInvalidDestination, in)
	}
}

func TestIsGroup(t *testing.T) {
	assert.True(t, IsGroup("1203@g.us"))
	assert.False(t, IsGroup("353@s.whatsapp.net"))
}
