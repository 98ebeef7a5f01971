package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, encrypt := range []string{"-encrypt=false", "-encrypt=true"} {
		var out, errOut bytes.Buffer
		code := run([]string{"-secret", "s3cret", encrypt, "encode", `{"sub":"u1","email":"a@example.com"}`}, strings.NewReader(""), &out, &errOut)
		if code != 0 {
			t.Fatalf("%s encode exit %d: %s", encrypt, code, errOut.String())
		}
		token := strings.TrimSpace(out.String())

		out.Reset()
		code = run([]string{"-secret", "s3cret", encrypt, "decode"}, strings.NewReader(token+"\n"), &out, &errOut)
		if code != 0 {
			t.Fatalf("%s decode exit %d: %s", encrypt, code, errOut.String())
		}
		var claims map[string]any
		if err := json.Unmarshal(out.Bytes(), &claims); err != nil {
			t.Fatalf("decode output is not JSON: %v", err)
		}
		if claims["sub"] != "u1" || claims["email"] != "a@example.com" || claims["exp"] == nil {
			t.Fatalf("unexpected claims %v", claims)
		}
	}
}

func TestDecodeWrongSecret(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"-secret", "one", "encode", `{"sub":"u1"}`}, strings.NewReader(""), &out, &errOut); code != 0 {
		t.Fatalf("encode exit %d", code)
	}
	token := strings.TrimSpace(out.String())
	out.Reset()
	if code := run([]string{"-secret", "two", "decode", token}, strings.NewReader(""), &out, &errOut); code != 1 {
		t.Fatalf("expected failure exit, got %d", code)
	}
	if out.Len() != 0 {
		t.Fatalf("no claims should be printed, got %q", out.String())
	}
}

func TestRunUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "no_command", args: []string{"-secret", "s"}, want: 2},
		{name: "unknown_command", args: []string{"-secret", "s", "verify", "x"}, want: 2},
		{name: "bad_flag", args: []string{"-nope"}, want: 2},
		{name: "claims_not_object", args: []string{"-secret", "s", "encode", `["a"]`}, want: 1},
		{name: "missing_secret", args: []string{"-secret", "", "encode", `{"sub":"u1"}`}, want: 1},
		{name: "empty_token", args: []string{"-secret", "s", "decode"}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out, errOut bytes.Buffer
			if code := run(tt.args, strings.NewReader(""), &out, &errOut); code != tt.want {
				t.Fatalf("exit code: got %d want %d (%s)", code, tt.want, errOut.String())
			}
		})
	}
}
