package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/zenazn/goji/web"

	"github.com/janelia-flyem/cleaveserver/core"
)

// authConfig holds the JWT secret and the optional file of authorized users.
type authConfig struct {
	AuthFile  string `toml:"auth_file"`
	SecretKey string `toml:"secret_key"`
}

// authorizer checks JWTs on mutating requests when a secret key is configured.
type authorizer struct {
	secret []byte

	// user -> "read", "write" or "readwrite"; "*" matches any user.  Empty
	// means any valid token is accepted.
	users map[string]string
}

func newAuthorizer(cfg authConfig) (*authorizer, error) {
	a := &authorizer{secret: []byte(cfg.SecretKey)}
	if cfg.AuthFile == "" {
		return a, nil
	}
	data, err := os.ReadFile(cfg.AuthFile)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &a.users); err != nil {
		return nil, fmt.Errorf("bad authorization file %q: %v", cfg.AuthFile, err)
	}
	core.Infof("Loaded %d authorized users from %s\n", len(a.users), cfg.AuthFile)
	return a, nil
}

// generateJWT returns a JWT given a user
func (a *authorizer) generateJWT(user string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user": user})
	tokenString, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("error with JWT signing: %v", err)
	}
	return tokenString, nil
}

func isReadMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}

// isAuthorized is middleware that validates a JWT on mutating requests and sets
// the c.Env["user"] field to the authenticated user.
func (a *authorizer) isAuthorized(c *web.C, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		if len(a.secret) == 0 || isReadMethod(r.Method) {
			h.ServeHTTP(w, r)
			return
		}
		reqToken := r.Header.Get("Authorization")
		if len(reqToken) == 0 {
			writeError(w, r, http.StatusUnauthorized, "JWT required via Authorization in request header")
			return
		}
		splitToken := strings.Split(reqToken, "Bearer")
		if len(splitToken) != 2 || len(strings.TrimSpace(splitToken[1])) == 0 {
			writeError(w, r, http.StatusUnauthorized, "bearer not in proper format")
			return
		}
		reqToken = strings.TrimSpace(splitToken[1])
		token, err := jwt.Parse(reqToken, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("error signing method: %v", token.Header["alg"])
			}
			return a.secret, nil
		})
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "error parsing JWT: %v", err)
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || !token.Valid {
			writeError(w, r, http.StatusUnauthorized, "failed authorization")
			return
		}
		user, ok := claims["user"].(string)
		if !ok {
			writeError(w, r, http.StatusUnauthorized, "user %v is not a simple string", claims["user"])
			return
		}
		if !a.userAuthorized(user, r.Method) {
			writeError(w, r, http.StatusForbidden, "user %q is not authorized", user)
			return
		}
		if c.Env == nil {
			c.Env = make(map[interface{}]interface{})
		}
		c.Env["user"] = user
		h.ServeHTTP(w, r)
	}
	return http.HandlerFunc(fn)
}

// userAuthorized returns true if the user's privileges allow the method.
func (a *authorizer) userAuthorized(user string, httpMethod string) bool {
	if len(a.users) == 0 {
		return true
	}
	readReq := isReadMethod(httpMethod)
	priv, found := a.users[user]
	if !found {
		priv, found = a.users["*"]
		if !found {
			return false
		}
	}
	switch priv {
	case "readwrite":
		return true
	case "read":
		return readReq
	case "write":
		return !readReq
	default:
		core.Errorf("Authorized user %q has unparsable privilege %q\n", user, priv)
		return false
	}
}
