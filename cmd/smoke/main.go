// Command smoke runs a create/list/toggle/delete round trip against a running
// API with a bearer token issued by the identity provider.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"todoapi.org/internal/task"
)

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, payload)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func main() {
	log.SetFlags(0)
	base := strings.TrimRight(os.Getenv("TODO_API_URL"), "/")
	if base == "" {
		base = "http://localhost:8000"
	}
	token := os.Getenv("TODO_TOKEN")
	if token == "" {
		log.Fatal("missing TODO_TOKEN")
	}

	// The API verifies the token; here we only need the subject for the path.
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil || claims.Subject == "" {
		log.Fatalf("token has no readable subject: %v", err)
	}
	user := claims.Subject
	c := &client{base: base, token: token, http: &http.Client{Timeout: 5 * time.Second}}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	expect := func(step string, got, want int, err error) {
		if err != nil {
			log.Fatalf("%s: %v", step, err)
		}
		if got != want {
			log.Fatalf("%s: status %d, want %d", step, got, want)
		}
	}

	var created task.Task
	code, err := c.do(ctx, http.MethodPost, "/api/"+user+"/tasks", map[string]string{"title": "smoke " + time.Now().UTC().Format(time.RFC3339)}, &created)
	expect("create", code, http.StatusCreated, err)
	taskPath := "/api/" + user + "/tasks/" + created.ID.String()

	var list struct {
		Tasks []task.Task `json:"tasks"`
		Count int         `json:"count"`
	}
	code, err = c.do(ctx, http.MethodGet, "/api/"+user+"/tasks", nil, &list)
	expect("list", code, http.StatusOK, err)
	found := false
	for _, t := range list.Tasks {
		found = found || t.ID == created.ID
	}
	if !found {
		log.Fatalf("list: created task %s missing", created.ID)
	}

	var toggled task.Task
	code, err = c.do(ctx, http.MethodPatch, taskPath+"/complete", nil, &toggled)
	expect("toggle", code, http.StatusOK, err)
	if !toggled.IsCompleted {
		log.Fatal("toggle: task still open")
	}

	code, err = c.do(ctx, http.MethodGet, "/api/"+user+"x/tasks", nil, nil)
	expect("cross-tenant probe", code, http.StatusForbidden, err)

	code, err = c.do(ctx, http.MethodDelete, taskPath, nil, nil)
	expect("delete", code, http.StatusNoContent, err)

	code, err = c.do(ctx, http.MethodGet, taskPath, nil, nil)
	expect("get after delete", code, http.StatusNotFound, err)

	fmt.Printf("smoke test passed: user=%s task=%s\n", user, created.ID)
}
