package inference

import "testing"

func TestSanitizePrompt(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "collapses whitespace",
			in:   "  a   red\tdress\n",
			want: "a red dress",
		},
		{
			name: "drops control characters",
			in:   "silk\x00 blouse\x1b",
			want: "silk blouse",
		},
		{
			name: "keeps plain text",
			in:   "A beautiful woman, best quality",
			want: "A beautiful woman, best quality",
		},
		{
			name: "empty stays empty",
			in:   " \t ",
			want: "",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := SanitizePrompt(tc.in)
			if got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}
