package twitchapi

import (
	"context"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/twitch"
)

// UserTokenSource returns a token source for the bot account that refreshes
// with refreshToken when the access token expires. access may carry the IRC
// style "oauth:" prefix.
func UserTokenSource(ctx context.Context, clientID, clientSecret, access, refreshToken string) oauth2.TokenSource {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     twitch.Endpoint,
	}
	tok := &oauth2.Token{
		AccessToken:  strings.TrimPrefix(access, "oauth:"),
		RefreshToken: refreshToken,
		TokenType:    "bearer",
	}
	if refreshToken == "" {
		return oauth2.StaticTokenSource(tok)
	}
	// Expiry of a configured token is unknown; refresh on first use so it is.
	tok.Expiry = time.Now()
	return cfg.TokenSource(ctx, tok)
}

// IRCPassword formats a user access token as the PASS value Twitch IRC expects.
func IRCPassword(ts oauth2.TokenSource) (string, error) {
	tok, err := ts.Token()
	if err != nil {
		return "", err
	}
	return "oauth:" + tok.AccessToken, nil
}
