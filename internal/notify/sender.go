// Package notify delivers archive-ready notifications to requesters via
// an HTTP push endpoint.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/zipperd/zipperd/pkg/wire"
)

// Sender POSTs encoded notification messages to a configured endpoint,
// one call per requester.
type Sender struct {
	url        string
	secret     []byte
	httpClient *http.Client
	log        zerolog.Logger
}

// NewSender creates a Sender for the given push endpoint. secret signs
// the bearer token attached to each request; pass nil to send
// unauthenticated (dev mode).
func NewSender(url string, secret []byte, log zerolog.Logger) *Sender {
	return &Sender{
		url:        url,
		secret:     secret,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.With().Str("component", "notify").Logger(),
	}
}

// Send encodes msg and POSTs it to the notification endpoint.
func (s *Sender) Send(ctx context.Context, msg *wire.UserNotificationMessage) error {
	payload := msg.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	if len(s.secret) > 0 {
		token, err := s.bearerToken(msg.Requester.Email)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notification endpoint returned %d: %s", resp.StatusCode, body)
	}

	s.log.Info().
		Str("requester", msg.Requester.String()).
		Str("zipfile", msg.Zipfile).
		Msg("Notification delivered")
	return nil
}

// bearerToken mints a short-lived HS256 token identifying the requester
// the notification is for.
func (s *Sender) bearerToken(subject string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "zipperd",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(5 * time.Minute)),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign notification token: %w", err)
	}
	return token, nil
}
