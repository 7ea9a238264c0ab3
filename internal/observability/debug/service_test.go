package debug

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	logx "sitepulse/pkg/logx"
)

func startServer(t *testing.T, cfg Config) (*Service, string) {
	t.Helper()
	cfg.Enabled = true
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	svc := New(cfg, logx.Nop())
	svc.RegisterStatus("runner", func() any { return map[string]int{"active": 2} })

	ctx, cancel := context.WithCancel(context.Background())
	if err := svc.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		_ = svc.Stop(stopCtx)
	})

	svc.mu.Lock()
	addr := svc.ln.Addr().String()
	svc.mu.Unlock()
	return svc, "http://" + addr
}

func TestHealthAndStatus(t *testing.T) {
	_, base := startServer(t, Config{})

	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	resp2, err := http.Get(base + "/statusz")
	if err != nil {
		t.Fatalf("statusz: %v", err)
	}
	defer resp2.Body.Close()
	body, _ := io.ReadAll(resp2.Body)
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("statusz not json: %v\n%s", err, body)
	}
	if _, ok := payload["runner"]; !ok {
		t.Fatalf("statusz missing runner section: %s", body)
	}
}

func TestTokenAuth(t *testing.T) {
	_, base := startServer(t, Config{Token: "s3cret"})

	resp, err := http.Get(base + "/statusz")
	if err != nil {
		t.Fatalf("statusz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, base+"/statusz", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("statusz with token: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("status with token = %d, want 200", resp2.StatusCode)
	}

	resp3, err := http.Get(base + "/statusz?token=s3cret")
	if err != nil {
		t.Fatalf("statusz query token: %v", err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("status with query token = %d, want 200", resp3.StatusCode)
	}

	// Health stays open for probes.
	resp4, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp4.Body.Close()
	if resp4.StatusCode != http.StatusOK {
		t.Fatalf("healthz with auth enabled = %d, want 200", resp4.StatusCode)
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	svc := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, logx.Nop())
	err := svc.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "refused") {
		t.Fatalf("err = %v, want insecure bind refusal", err)
	}
}
