package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/vanpelt/catterm/internal/middleware"
)

const clientTokenTTL = time.Hour

// resolveToken returns --token, or a short-lived token signed with
// CATTERM_AUTH_SECRET, or nothing when the server runs without auth
func resolveToken() (string, error) {
	if authToken != "" {
		return authToken, nil
	}
	if secret := os.Getenv("CATTERM_AUTH_SECRET"); secret != "" {
		return middleware.GenerateToken(secret, "cli", clientTokenTTL)
	}
	return "", nil
}

// endpoint joins path onto --server, switching to ws(s) when websocket is set
func endpoint(path string, websocket bool) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", serverURL, err)
	}
	if websocket {
		switch u.Scheme {
		case "https":
			u.Scheme = "wss"
		case "http", "":
			u.Scheme = "ws"
		}
	}
	u.Path += path
	return u, nil
}

// getJSON fetches path from the server into out
func getJSON(path string, out interface{}) error {
	u, err := endpoint(path, false)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	token, err := resolveToken()
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", u.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return fmt.Errorf("%s: %s %s", u.Path, resp.Status, body.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
