package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"
)

// End-to-end probe against a running meshsync-api. Exercises the optimistic
// sync loop: create, two disjoint-field updates off the same base version, a
// stale write that must be rejected, then a cached read with the minted
// capability token.
func main() {
	log.SetFlags(0)

	base := os.Getenv("MESHSYNC_API_ADDR")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}

	var tokenResp struct {
		Token string `json:"token"`
	}
	mustDo(client, "POST", base+"/v1/auth/token", "", map[string]any{
		"user":         "smoke",
		"organization": "org-smoke",
		"memberships": []map[string]string{
			{"organization_id": "org-smoke", "role": "editor"},
		},
	}, http.StatusOK, &tokenResp)
	if tokenResp.Token == "" {
		log.Fatal("auth: empty session token")
	}
	session := tokenResp.Token

	var created struct {
		Entity struct {
			ID string `json:"id"`
			Tx struct {
				Version int `json:"version"`
			} `json:"tx"`
		} `json:"entity"`
	}
	mustDo(client, "POST", base+"/v1/entities", session, map[string]any{
		"type":            "task",
		"organization_id": "org-smoke",
		"fields":          map[string]any{"title": "smoke", "body": "initial"},
		"source_id":       "smoke-a",
	}, http.StatusCreated, &created)
	id := created.Entity.ID
	if id == "" || created.Entity.Tx.Version != 1 {
		log.Fatalf("create: id=%q version=%d", id, created.Entity.Tx.Version)
	}
	entityURL := base + "/v1/entities/task/" + id

	// Two writers edit disjoint fields off the same base. Both must land.
	mustDo(client, "PATCH", entityURL, session, map[string]any{
		"fields":       map[string]any{"title": "smoke v2"},
		"base_version": 1,
		"source_id":    "smoke-a",
	}, http.StatusOK, nil)
	mustDo(client, "PATCH", entityURL, session, map[string]any{
		"fields":       map[string]any{"body": "edited elsewhere"},
		"base_version": 1,
		"source_id":    "smoke-b",
	}, http.StatusOK, nil)

	// A third writer touches title off the stale base. Must get a 409 naming
	// the conflicting field, not a silent overwrite.
	var conflictResp struct {
		Kind string `json:"kind"`
		Meta struct {
			Field             string   `json:"field"`
			ConflictingFields []string `json:"conflictingFields"`
		} `json:"meta"`
	}
	mustDo(client, "PATCH", entityURL, session, map[string]any{
		"fields":       map[string]any{"title": "stale write"},
		"base_version": 1,
		"source_id":    "smoke-c",
	}, http.StatusConflict, &conflictResp)
	if conflictResp.Kind != "field_conflict" || conflictResp.Meta.Field != "title" {
		log.Fatalf("conflict shape: kind=%q field=%q", conflictResp.Kind, conflictResp.Meta.Field)
	}

	var fetched struct {
		Entity struct {
			Tx struct {
				Version int `json:"version"`
			} `json:"tx"`
		} `json:"entity"`
		CacheToken string `json:"cache_token"`
	}
	mustDo(client, "GET", entityURL, session, nil, http.StatusOK, &fetched)
	if fetched.Entity.Tx.Version != 3 {
		log.Fatalf("expected version 3 after two accepted updates, got %d", fetched.Entity.Tx.Version)
	}
	if fetched.CacheToken == "" {
		log.Fatal("fetch: no cache token minted")
	}

	var cached struct {
		Entity struct {
			Fields map[string]any `json:"fields"`
		} `json:"entity"`
	}
	mustDo(client, "GET", base+"/v1/cache/task/"+id+"?token="+url.QueryEscape(fetched.CacheToken), "", nil, http.StatusOK, &cached)
	if cached.Entity.Fields["title"] != "smoke v2" || cached.Entity.Fields["body"] != "edited elsewhere" {
		log.Fatalf("cached read mismatch: %v", cached.Entity.Fields)
	}

	fmt.Println("smoke-sync OK: disjoint updates merged, stale write rejected, cached read served")
}

func mustDo(client *http.Client, method, rawURL, bearer string, body any, wantStatus int, out any) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			log.Fatalf("%s %s: marshal: %v", method, rawURL, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, rawURL, reader)
	if err != nil {
		log.Fatalf("%s %s: %v", method, rawURL, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, rawURL, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		log.Fatalf("%s %s: status %d (want %d): %s", method, rawURL, resp.StatusCode, wantStatus, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			log.Fatalf("%s %s: decode: %v", method, rawURL, err)
		}
	}
}
