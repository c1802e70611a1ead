package tokenclient

import (
	"golang.org/x/oauth2"
)

// Endpoint is the Questrade authorization server. Only TokenURL is used; the
// refresh-token grant carries no client credentials.
var Endpoint = oauth2.Endpoint{
	AuthURL:   "https://login.questrade.com/oauth2/authorize",
	TokenURL:  "https://login.questrade.com/oauth2/token",
	AuthStyle: oauth2.AuthStyleInParams,
}
