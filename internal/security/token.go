package security

import (
	"net/http"
	"strings"
)

// SubprotocolBearer is the marker browsers use to smuggle a token through
// Sec-WebSocket-Protocol: "bearer, <token>".
const SubprotocolBearer = "bearer"

// BearerToken reads "Authorization: Bearer <token>".
func BearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// HandshakeToken finds the credential of a websocket handshake: the Authorization header, then
// the token query parameter, then the bearer subprotocol pair. viaSubprotocol tells the caller
// to echo the bearer subprotocol back on upgrade.
func HandshakeToken(r *http.Request) (token string, viaSubprotocol bool) {
	if t := BearerToken(r); t != "" {
		return t, false
	}
	if t := strings.TrimSpace(r.URL.Query().Get("token")); t != "" {
		return t, false
	}

	var protos []string
	for _, h := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(h, ",") {
			if p = strings.TrimSpace(p); p != "" {
				protos = append(protos, p)
			}
		}
	}
	for i := 0; i+1 < len(protos); i++ {
		if strings.EqualFold(protos[i], SubprotocolBearer) {
			return protos[i+1], true
		}
	}
	return "", false
}
