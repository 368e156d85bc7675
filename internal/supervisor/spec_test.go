// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"slices"
	"strings"
	"testing"
	"time"
)

func TestSpec_Argv(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		command string
		env     map[string]string
		want    []string
		wantErr bool
	}{
		{"plain", "npm run dev", nil, []string{"npm", "run", "dev"}, false},
		{"quoted", `python -m http.server --bind "127.0.0.1"`, nil, []string{"python", "-m", "http.server", "--bind", "127.0.0.1"}, false},
		{"env expansion", "uvicorn app:main --port $PORT", map[string]string{"PORT": "8001"}, []string{"uvicorn", "app:main", "--port", "8001"}, false},
		{"braced", "serve --db ${DEVUP_PORT_DB}", map[string]string{"DEVUP_PORT_DB": "5433"}, []string{"serve", "--db", "5433"}, false},
		{"empty", "   ", nil, nil, true},
		{"unterminated quote", `echo "oops`, nil, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Spec{Name: "p", Command: tt.command, Env: tt.env}.Argv()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Argv() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !slices.Equal(got, tt.want) {
				t.Errorf("Argv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSpec_Environ(t *testing.T) {
	t.Parallel()

	env := Spec{Env: map[string]string{"DEVUP_TEST_VAR": "x=y"}}.Environ()
	if !slices.Contains(env, "DEVUP_TEST_VAR=x=y") {
		t.Errorf("Environ() missing overlay, got %d entries", len(env))
	}
	if !slices.IsSorted(env) {
		t.Error("Environ() should be sorted")
	}
}

func TestSpec_ReadyTimeout(t *testing.T) {
	t.Parallel()

	if got := (Spec{ReadyPattern: "up"}).readyTimeout(); got != DefaultReadyTimeout {
		t.Errorf("pattern without timeout = %v, want default", got)
	}
	if got := (Spec{}).readyTimeout(); got != 0 {
		t.Errorf("no pattern, no timeout = %v, want 0", got)
	}
	if got := (Spec{ReadyTimeout: time.Second}).readyTimeout(); got != time.Second {
		t.Errorf("explicit timeout = %v", got)
	}
	if _, err := (Spec{ReadyPattern: "("}).readyPattern(); err == nil {
		t.Error("invalid pattern should fail")
	}
}

func TestLineWriter(t *testing.T) {
	t.Parallel()

	var lines []string
	w := &lineWriter{onLine: func(l string) { lines = append(lines, l) }}
	_, _ = w.Write([]byte("first\r\nsec"))
	_, _ = w.Write([]byte("ond\nthird"))
	if !slices.Equal(lines, []string{"first", "second"}) {
		t.Errorf("lines = %q", lines)
	}
	w.Flush()
	if !slices.Equal(lines, []string{"first", "second", "third"}) {
		t.Errorf("after Flush lines = %q", lines)
	}

	lines = nil
	_, _ = w.Write([]byte(strings.Repeat("x", maxLineBytes+1)))
	if len(lines) != 1 {
		t.Errorf("overlong line should be emitted, got %d lines", len(lines))
	}
}
