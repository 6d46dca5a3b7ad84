package session

import (
	"bufio"
	"errors"
	"strings"
	"testing"
)

func TestReadVersionLineLimit(t *testing.T) {
	cases := []struct {
		name string
		line string
		ok   bool
	}{
		{"typical", "SSH-2.0-sshcore_0.1", true},
		{"at limit", strings.Repeat("a", 255), true},
		{"over limit", strings.Repeat("a", 256), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			br := bufio.NewReader(strings.NewReader(tc.line + "\r\n"))
			got, err := readVersionLine(br)
			if !tc.ok {
				if !errors.Is(err, ErrProtocolViolation) {
					t.Fatalf("got %v, want ErrProtocolViolation", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.line {
				t.Fatalf("got %q, want %q", got, tc.line)
			}
		})
	}
}
