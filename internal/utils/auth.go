package utils

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// TokenSource builds the request authorizer from a static bearer token or a
// saved oauth2 token file. It returns nil when neither is configured.
func TokenSource(bearer, tokenFile string) (oauth2.TokenSource, error) {
	if bearer != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: bearer, TokenType: "Bearer"}), nil
	}
	if tokenFile == "" {
		return nil, nil
	}
	token, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read oauth token: %w", err)
	}
	if !token.Valid() {
		return nil, fmt.Errorf("oauth token in %s is expired", tokenFile)
	}
	log.Debug().Str("op", "utils/auth").Msgf("token retrieved from file")
	return oauth2.ReuseTokenSource(token, oauth2.StaticTokenSource(token)), nil
}

func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	token := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(token)
	return token, err
}
