package web

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestHTTPContractHealth(t *testing.T) {
	adapter := newTestAdapter(t, Config{})
	rr := serve(adapter, http.MethodGet, "/v1/health", "", nil)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %v, want ok", body["status"])
	}
}

func TestHTTPContractExecuteSuccess(t *testing.T) {
	adapter := newTestAdapter(t, Config{})
	body := `{"command":"echo","session_id":"s1","params":[{"name":"text","value":"hi"}]}`
	rr := serve(adapter, http.MethodPost, "/v1/commands/execute", body, map[string]string{"X-Subject-ID": "u1", "X-Request-ID": "contract-1"})

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	resp := decodeBody(t, rr)
	if resp["request_id"] != "contract-1" {
		t.Fatalf("request_id = %v, want contract-1", resp["request_id"])
	}
	for _, key := range []string{"status", "command", "result"} {
		if _, ok := resp[key]; !ok {
			t.Fatalf("missing %s", key)
		}
	}
}

func TestHTTPContractExecuteUnauthorized(t *testing.T) {
	adapter := newTestAdapter(t, Config{})
	rr := serve(adapter, http.MethodPost, "/v1/commands/execute", `{"command":"echo","session_id":"s1"}`, nil)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}
	resp := decodeBody(t, rr)
	if _, ok := resp["request_id"]; !ok {
		t.Fatal("missing request_id")
	}
	if resp["error_code"] != "auth_required" {
		t.Fatalf("error_code = %v, want auth_required", resp["error_code"])
	}
}

func TestHTTPContractResultNotFound(t *testing.T) {
	adapter := newTestAdapter(t, Config{})
	rr := serve(adapter, http.MethodGet, "/v1/results/unknown", "", asU1)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
	resp := decodeBody(t, rr)
	if resp["error_code"] != "result_not_found" {
		t.Fatalf("error_code = %v", resp["error_code"])
	}
	if _, ok := resp["message"]; !ok {
		t.Fatal("missing message")
	}
}

func TestHTTPContractAudit(t *testing.T) {
	adapter := newTestAdapter(t, Config{})
	serve(adapter, http.MethodPost, "/v1/commands/execute", `{"command":"clear_console","session_id":"s1"}`, asU1)

	rr := serve(adapter, http.MethodGet, "/v1/audit", "", asU1)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	resp := decodeBody(t, rr)
	if _, ok := resp["request_id"]; !ok {
		t.Fatal("missing request_id")
	}
	items, ok := resp["items"].([]any)
	if !ok || len(items) == 0 {
		t.Fatalf("expected audit items, got %v", resp["items"])
	}
}

func TestExecuteAuditCarriesRequestID(t *testing.T) {
	adapter := newTestAdapter(t, Config{})
	headers := map[string]string{"X-Subject-ID": "u1", "X-Request-ID": "abc-123"}
	if rr := serve(adapter, http.MethodPost, "/v1/commands/execute", `{"command":"clear_console","session_id":"s1"}`, headers); rr.Code != http.StatusOK {
		t.Fatalf("execute: status %d", rr.Code)
	}

	rr := serve(adapter, http.MethodGet, "/v1/audit", "", asU1)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	items, _ := decodeBody(t, rr)["items"].([]any)
	found := false
	for _, item := range items {
		ev, _ := item.(map[string]any)
		if ev["action"] == "execute:clear_console" {
			found = true
			if ev["request_id"] != "abc-123" {
				t.Fatalf("request_id = %v, want abc-123", ev["request_id"])
			}
		}
	}
	if !found {
		t.Fatalf("execute audit event not found in %v", items)
	}
}
