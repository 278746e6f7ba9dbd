package main

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// shutdownToken returns JOBAPPLY_SHUTDOWN_TOKEN, or a fresh token written to
// <dataDir>/shutdown.token for local tooling to read.
func shutdownToken(dataDir string) (string, error) {
	if t := strings.TrimSpace(os.Getenv("JOBAPPLY_SHUTDOWN_TOKEN")); t != "" {
		return t, nil
	}
	t, err := randomToken(16)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dataDir, "shutdown.token"), []byte(t+"\n"), 0o600); err != nil {
		return "", err
	}
	return t, nil
}

// shutdownHandler stops the engine the same way a SIGTERM does.
func shutdownHandler(token string, stop context.CancelFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		// Local-only guard
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if host != "127.0.0.1" && host != "::1" && host != "localhost" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		got := r.Header.Get("X-Shutdown-Token")
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("shutting down\n"))
		stop()
	}
}
