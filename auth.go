package streamsync

import (
	"net/http"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// ClientAuth carries the platform JWT presented on the resume handshake.
type ClientAuth struct {
	ByJwt      string
	AppVersion string
}

// ClientId extracts the client id claim without verifying the signature.
// Verification happens upstream; the client only needs the id for log tags.
func (self *ClientAuth) ClientId() (string, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(self.ByJwt, gojwt.MapClaims{})
	if err != nil {
		return "", err
	}
	claims := token.Claims.(gojwt.MapClaims)
	if clientId, ok := claims["client_id"].(string); ok {
		return clientId, nil
	}
	return "", nil
}

func (self *ClientAuth) header() http.Header {
	header := http.Header{}
	if self.ByJwt != "" {
		header.Set("Authorization", "Bearer "+self.ByJwt)
	}
	if self.AppVersion != "" {
		header.Set("X-App-Version", self.AppVersion)
	}
	return header
}
