// Package captcha verifies reCAPTCHA-style tokens against a remote siteverify endpoint.
package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultVerifyURL is Google's reCAPTCHA verification endpoint.
const DefaultVerifyURL = "https://www.google.com/recaptcha/api/siteverify"

// Result is the verifier's answer for one token.
type Result struct {
	Success  bool   `json:"success"`
	Hostname string `json:"hostname"`
}

// Verifier posts tokens to the verification endpoint.
type Verifier struct {
	secret    string
	verifyURL string
	client    *http.Client
}

// NewVerifier creates a verifier. An empty verifyURL selects DefaultVerifyURL.
func NewVerifier(secret, verifyURL string) *Verifier {
	if verifyURL == "" {
		verifyURL = DefaultVerifyURL
	}
	return &Verifier{
		secret:    secret,
		verifyURL: verifyURL,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Check performs one blocking verification.
func (v *Verifier) Check(ctx context.Context, token string) (Result, error) {
	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, fmt.Errorf("failed to build captcha request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("captcha request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("captcha verifier returned status %d", resp.StatusCode)
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return Result{}, fmt.Errorf("failed to decode captcha response: %w", err)
	}
	return res, nil
}

// Verify runs Check in its own goroutine and hands the outcome to done.
// done is called exactly once, with a non-nil error on failure or cancellation.
func (v *Verifier) Verify(ctx context.Context, token string, done func(Result, error)) {
	go func() {
		done(v.Check(ctx, token))
	}()
}
