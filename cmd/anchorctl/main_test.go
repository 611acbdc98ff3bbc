package main

import (
	"bytes"
	"encoding/hex"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ledgeranchor/internal/auth"
	"github.com/jmerrifield20/ledgeranchor/internal/tsa"
	"go.uber.org/zap"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	outFormat = "text"
	err := rootCmd.Execute()
	return out.String(), err
}

func storeHash() string {
	return hex.EncodeToString(bytes.Repeat([]byte{0xab}, 32))
}

func TestPayloadCommand(t *testing.T) {
	out, err := execute(t, "payload", "--count", "1", "--hash", "00ff")
	if err != nil {
		t.Fatal(err)
	}
	// 4f43 marker, count as big-endian uint64, raw hash.
	if !strings.Contains(out, "Payload: 4f43000000000000000100ff") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestTokenCommand(t *testing.T) {
	out, err := execute(t, "token", "--secret", "s3cret", "--subject", "ops")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := auth.NewOperatorTokens("s3cret", 0).Verify(strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("issued token does not verify: %v", err)
	}
	if claims.Subject != "ops" {
		t.Errorf("subject: got %q", claims.Subject)
	}
}

func TestStampAndVerifyOffline(t *testing.T) {
	gin.SetMode(gin.TestMode)
	a, err := tsa.NewEphemeral(1024)
	if err != nil {
		t.Fatal(err)
	}
	r := gin.New()
	tsa.NewHandler(a, zap.NewNop()).Register(r.Group("/dev"))
	srv := httptest.NewServer(r)
	defer srv.Close()

	tok := filepath.Join(t.TempDir(), "7.tst")
	out, err := execute(t, "stamp", "--tsa", srv.URL+"/dev/tsa",
		"--position", "7", "--count", "8", "--hash", storeHash(), "--out", tok)
	if err != nil {
		t.Fatalf("stamp: %v (%s)", err, out)
	}
	if !strings.Contains(out, "Token:") {
		t.Errorf("stamp output missing token line: %s", out)
	}

	out, err = execute(t, "verify", "--token-file", tok,
		"--position", "7", "--count", "8", "--hash", storeHash())
	if err != nil {
		t.Fatalf("verify: %v (%s)", err, out)
	}
	if !strings.Contains(out, "Token valid for anchor 7") {
		t.Errorf("unexpected verify output: %s", out)
	}

	// The same token must not verify a different anchor.
	if _, err := execute(t, "verify", "--token-file", tok,
		"--position", "7", "--count", "9", "--hash", storeHash()); err == nil {
		t.Error("expected verification failure for a different transaction count")
	}
}
