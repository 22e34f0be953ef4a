package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/onllm-dev/onstride/internal/metrics"
)

func get(t *testing.T, url, token string) (*http.Response, map[string]interface{}) {
	t.Helper()
	return do(t, http.MethodGet, url, token, nil)
}

func do(t *testing.T, method, url, token string, body []byte) (*http.Response, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestMockBridge_DayValues(t *testing.T) {
	mb := NewMockBridge(t, WithDay("2026-03-14", 8123, 412.5))

	resp, body := get(t, mb.URL+"/v1/days/2026-03-14", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["date"] != "2026-03-14" || body["steps"] != 8123.0 || body["active_energy_kcal"] != 412.5 {
		t.Errorf("body = %v", body)
	}
	if mb.DayRequests() != 1 {
		t.Errorf("DayRequests = %d, want 1", mb.DayRequests())
	}
}

func TestMockBridge_UnknownDayHasNoSamples(t *testing.T) {
	mb := NewMockBridge(t)

	resp, body := get(t, mb.URL+"/v1/days/2026-03-10", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if _, ok := body["steps"]; ok {
		t.Errorf("unknown day should omit steps, got %v", body)
	}
}

func TestMockBridge_RequiresToken(t *testing.T) {
	mb := NewMockBridge(t, WithBridgeToken("secret-token"))

	if resp, _ := get(t, mb.URL+"/v1/authorization", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("without token: status = %d, want 401", resp.StatusCode)
	}
	if resp, _ := get(t, mb.URL+"/v1/authorization", "wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", resp.StatusCode)
	}
	resp, body := get(t, mb.URL+"/v1/authorization", "secret-token")
	if resp.StatusCode != http.StatusOK || body["status"] != "authorized" {
		t.Errorf("with token: %d %v", resp.StatusCode, body)
	}
}

func TestMockBridge_AuthorizationStates(t *testing.T) {
	tests := []struct {
		status     metrics.AuthorizationStatus
		statusCode int
		dayCode    int
	}{
		{metrics.Authorized, http.StatusOK, http.StatusOK},
		{metrics.Denied, http.StatusOK, http.StatusForbidden},
		{metrics.NotDetermined, http.StatusOK, http.StatusForbidden},
		{metrics.Unavailable, http.StatusNotImplemented, http.StatusNotImplemented},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			mb := NewMockBridge(t, WithAuthorization(tt.status))
			if resp, _ := get(t, mb.URL+"/v1/authorization", ""); resp.StatusCode != tt.statusCode {
				t.Errorf("status endpoint = %d, want %d", resp.StatusCode, tt.statusCode)
			}
			if resp, _ := get(t, mb.URL+"/v1/days/2026-03-14", ""); resp.StatusCode != tt.dayCode {
				t.Errorf("day endpoint = %d, want %d", resp.StatusCode, tt.dayCode)
			}
		})
	}
}

func TestMockBridge_RequestAuthorization(t *testing.T) {
	t.Run("grant", func(t *testing.T) {
		mb := NewMockBridge(t, WithAuthorization(metrics.NotDetermined), WithGrantOnRequest())
		do(t, http.MethodPost, mb.URL+"/v1/authorization", "", []byte(`{}`))
		_, body := get(t, mb.URL+"/v1/authorization", "")
		if body["status"] != "authorized" {
			t.Errorf("status after grant = %v", body["status"])
		}
	})
	t.Run("decline", func(t *testing.T) {
		mb := NewMockBridge(t, WithAuthorization(metrics.NotDetermined))
		resp, body := do(t, http.MethodPost, mb.URL+"/v1/authorization", "", []byte(`{}`))
		if resp.StatusCode != http.StatusOK || body["granted"] != true {
			t.Errorf("request = %d %v", resp.StatusCode, body)
		}
		_, body = get(t, mb.URL+"/v1/authorization", "")
		if body["status"] != "denied" {
			t.Errorf("status after decline = %v", body["status"])
		}
	})
}

func TestMockBridge_InjectedErrors(t *testing.T) {
	mb := NewMockBridge(t, WithDayError("2026-03-12", http.StatusInternalServerError))

	if resp, _ := get(t, mb.URL+"/v1/days/2026-03-12", ""); resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("day error = %d, want 500", resp.StatusCode)
	}
	if resp, _ := get(t, mb.URL+"/v1/days/2026-03-13", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("other day = %d, want 200", resp.StatusCode)
	}

	mb.SetError(http.StatusServiceUnavailable)
	if resp, _ := get(t, mb.URL+"/v1/days/2026-03-13", ""); resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("global error = %d, want 503", resp.StatusCode)
	}
	mb.SetError(0)
	mb.SetDayError("2026-03-12", 0)
	if resp, _ := get(t, mb.URL+"/v1/days/2026-03-12", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("after clearing = %d, want 200", resp.StatusCode)
	}
}

func TestMockBridge_BadDate(t *testing.T) {
	mb := NewMockBridge(t)
	if resp, _ := get(t, mb.URL+"/v1/days/yesterday", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestMockBridge_AdminEndpoints(t *testing.T) {
	mb := NewMockBridge(t, WithAuthorization(metrics.Denied))

	do(t, http.MethodPost, mb.URL+"/admin/authorization", "", []byte(`{"status":"authorized"}`))
	do(t, http.MethodPost, mb.URL+"/admin/day", "", []byte(`{"date":"2026-03-14","steps":5000,"active_energy_kcal":250}`))

	_, body := get(t, mb.URL+"/v1/days/2026-03-14", "")
	if body["steps"] != 5000.0 {
		t.Errorf("admin day not applied: %v", body)
	}

	do(t, http.MethodPost, mb.URL+"/admin/error", "", []byte(`{"status_code":502}`))
	if resp, _ := get(t, mb.URL+"/v1/days/2026-03-14", ""); resp.StatusCode != http.StatusBadGateway {
		t.Errorf("admin error not applied: %d", resp.StatusCode)
	}

	_, counts := get(t, mb.URL+"/admin/requests", "")
	if counts["days"] != 2.0 {
		t.Errorf("day count = %v, want 2", counts["days"])
	}
}

func TestWeek(t *testing.T) {
	today := time.Date(2026, 3, 14, 15, 0, 0, 0, time.Local)
	week := Week(today, 1000, 2000, 3000)
	if len(week) != 3 {
		t.Fatalf("len = %d", len(week))
	}
	if metrics.DayKey(week[0].Date) != "2026-03-12" || metrics.DayKey(week[2].Date) != "2026-03-14" {
		t.Errorf("dates = %s..%s", metrics.DayKey(week[0].Date), metrics.DayKey(week[2].Date))
	}
	if week[1].ActiveEnergy != 200 {
		t.Errorf("energy = %v, want 200", week[1].ActiveEnergy)
	}
}
