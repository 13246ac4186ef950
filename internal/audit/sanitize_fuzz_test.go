package audit

import (
	"testing"
	"unicode"

	"github.com/rs/zerolog"
)

func TestSanitizeString(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain url untouched", "https://example.com/path?q=1", "https://example.com/path?q=1"},
		{"csi clear screen stripped", "https://example.com/\x1b[2Jx", "https://example.com/x"},
		{"color codes consumed with terminator", "\x1b[31mred\x1b[0m", "red"},
		{"nul dropped", "a\x00b", "ab"},
		{"bell dropped", "a\x07b", "ab"},
		{"carriage return dropped", "a\rb", "ab"},
		{"tab kept", "a\tb", "a\tb"},
		{"newline kept", "a\nb", "a\nb"},
		{"bare esc at end", "tail\x1b", "tail"},
		{"empty", "", ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := sanitizeString(tc.in); got != tc.want {
				t.Errorf("sanitizeString(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func FuzzSanitizeString(f *testing.F) {
	f.Add("https://example.com")
	f.Add("GET /\x1b[2J HTTP/1.1")
	f.Add("\x1b[1;31mbold red\x1b[0m")
	f.Add("a\x00b\x07c\rd")
	f.Add("keep\tthese\ntwo")
	f.Add("\x1b")
	f.Add("\x1b[123456789")

	f.Fuzz(func(t *testing.T, input string) {
		out := sanitizeString(input)

		// No ESC bytes and no control runes other than tab and newline
		// may survive, whatever the input.
		for _, r := range out {
			if r == '\x1b' {
				t.Fatalf("ESC survived: %q", out)
			}
			if unicode.IsControl(r) && r != '\t' && r != '\n' {
				t.Fatalf("control rune %U survived: %q", r, out)
			}
		}

		// A second pass must be a no-op.
		if again := sanitizeString(out); again != out {
			t.Errorf("not idempotent: %q then %q for input %q", out, again, input)
		}
	})
}

// Clean strings take the fast path and come back unchanged.
func TestSanitizeStringFastPath(t *testing.T) {
	in := "https://api.example.com/v1/items?page=2"
	if out := sanitizeString(in); out != in {
		t.Errorf("clean input modified: %q", out)
	}
}

// Loggers run every attacker-controlled string through the sanitizer;
// hostile input must not panic even when logging is a no-op.
func TestLoggersSanitizeHostileInput(t *testing.T) {
	fwd := &Logger{zl: zerolog.Nop(), includeAllowed: true}
	fwd.LogForwarded("GET", "https://example.com/\x1b[2Jwipe", "127.0.0.1", "req-1", 200, 0, 0)

	rej := &Logger{zl: zerolog.Nop(), includeRejected: true}
	rej.LogRejected("GET", "https://\x1b[31mevil.net", "InvalidURL", "127.0.0.1", "req-2")
}
