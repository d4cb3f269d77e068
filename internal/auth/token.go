package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Minter issues Twilio Voice access tokens for the browser softphone.
// Tokens are signed with an API key/secret pair, not the account auth token.
// Ref: https://www.twilio.com/docs/iam/access-tokens
type Minter struct {
	accountSID  string
	apiKey      string
	apiSecret   []byte
	twimlAppSID string
	ttl         time.Duration
}

const defaultTokenTTL = time.Hour

func NewMinter(accountSID, apiKey, apiSecret, twimlAppSID string) (*Minter, error) {
	if accountSID == "" || apiKey == "" || apiSecret == "" {
		return nil, errors.New("auth: account SID, API key and API secret are required")
	}
	return &Minter{
		accountSID:  accountSID,
		apiKey:      apiKey,
		apiSecret:   []byte(apiSecret),
		twimlAppSID: twimlAppSID,
		ttl:         defaultTokenTTL,
	}, nil
}

type voiceGrant struct {
	Outgoing struct {
		ApplicationSID string `json:"application_sid"`
	} `json:"outgoing"`
}

type grants struct {
	Identity string     `json:"identity"`
	Voice    voiceGrant `json:"voice"`
}

type accessClaims struct {
	jwt.RegisteredClaims
	Grants grants `json:"grants"`
}

// MintVoiceToken returns a signed access token granting outgoing calls
// through the configured TwiML application, bound to the given client
// identity.
func (m *Minter) MintVoiceToken(identity string, now time.Time) (string, error) {
	if identity == "" {
		return "", errors.New("auth: identity is required")
	}

	var g grants
	g.Identity = identity
	g.Voice.Outgoing.ApplicationSID = m.twimlAppSID

	claims := accessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        fmt.Sprintf("%s-%d", m.apiKey, now.Unix()),
			Issuer:    m.apiKey,
			Subject:   m.accountSID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		Grants: g,
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	// Twilio requires the content-type header marking this as an FPA token.
	t.Header["cty"] = "twilio-fv=1"
	return t.SignedString(m.apiSecret)
}
