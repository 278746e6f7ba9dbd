// Package challenge adapts external CAPTCHA solvers to the navigator.
package challenge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"jobapply-engine/internal/domain"
	"jobapply-engine/internal/navigator"
)

// NoSolver gives up on every challenge.
type NoSolver struct{}

func (NoSolver) Solve(context.Context, navigator.Challenge, []byte) (string, error) {
	return "", fmt.Errorf("no solver configured: %w", domain.ErrCannotResolve)
}

type solveRequest struct {
	Kind    string `json:"kind"`
	SiteKey string `json:"siteKey,omitempty"`
	PageURL string `json:"pageUrl,omitempty"`
	Image   string `json:"image,omitempty"`
}

type solveResponse struct {
	Status string `json:"status"`
	Answer string `json:"answer"`
	Error  string `json:"error"`
}

// HTTPSolver posts the captured challenge to a solving service. The service
// answers {"status":"ok","answer":...} or {"status":"unsolvable"}.
type HTTPSolver struct {
	Endpoint string
	// APIKey is resolved on every call so that a key stored after startup
	// is picked up.
	APIKey func() (string, error)
	Client *http.Client
}

func (s HTTPSolver) Solve(ctx context.Context, c navigator.Challenge, artifact []byte) (string, error) {
	body, err := json.Marshal(solveRequest{
		Kind:    c.Kind,
		SiteKey: c.SiteKey,
		PageURL: c.PageURL,
		Image:   base64.StdEncoding.EncodeToString(artifact),
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != nil {
		key, err := s.APIKey()
		if err != nil {
			return "", fmt.Errorf("solver api key: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+key)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("solver request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnprocessableEntity {
		return "", fmt.Errorf("solver: %w", domain.ErrCannotResolve)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("solver status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out solveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode solver response: %w", err)
	}
	switch {
	case out.Status == "ok" && out.Answer != "":
		return out.Answer, nil
	case out.Status == "unsolvable":
		return "", fmt.Errorf("solver: %s: %w", out.Error, domain.ErrCannotResolve)
	}
	return "", errors.New("solver returned no answer")
}
