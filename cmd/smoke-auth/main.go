package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/cookiejar"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// smoke runs the browser session flow against a live server: csrf, login,
// me, refresh, replay of the rotated token, logout.
type smoke struct {
	base   string
	client *http.Client
	csrf   string
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	log.SetFlags(0)
	base := env("CMS_SMOKE_BASE_URL", "http://localhost:8080")
	grpcAddr := env("CMS_SMOKE_GRPC_ADDR", "localhost:9090")
	email := os.Getenv("CMS_SMOKE_EMAIL")
	password := os.Getenv("CMS_SMOKE_PASSWORD")
	if email == "" || password == "" {
		log.Fatal("CMS_SMOKE_EMAIL and CMS_SMOKE_PASSWORD are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := checkGRPCHealth(ctx, grpcAddr); err != nil {
		log.Fatalf("grpc health at %s: %v", grpcAddr, err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		log.Fatalf("cookiejar: %v", err)
	}
	s := &smoke{base: base, client: &http.Client{Jar: jar, Timeout: 5 * time.Second}}

	var csrf struct {
		Token string `json:"csrf_token"`
	}
	s.must("csrf", s.call(http.MethodPost, "/auth/csrf", nil, http.StatusOK, &csrf))
	s.csrf = csrf.Token

	var login struct {
		User struct {
			ID    string   `json:"id"`
			Roles []string `json:"roles"`
		} `json:"user"`
	}
	s.must("login", s.call(http.MethodPost, "/auth/login", map[string]string{"email": email, "password": password}, http.StatusOK, &login))
	s.must("me", s.call(http.MethodGet, "/auth/me", nil, http.StatusOK, nil))

	first := s.cookie("refreshToken")
	s.must("refresh", s.call(http.MethodPost, "/auth/refresh", nil, http.StatusOK, nil))
	if rotated := s.cookie("refreshToken"); rotated == "" || rotated == first {
		log.Fatal("refresh token was not rotated")
	}
	s.must("me after refresh", s.call(http.MethodGet, "/auth/me", nil, http.StatusOK, nil))

	s.must("logout", s.call(http.MethodPost, "/auth/logout", nil, http.StatusNoContent, nil))
	s.must("me after logout", s.call(http.MethodGet, "/auth/me", nil, http.StatusUnauthorized, nil))

	fmt.Printf("✅ session smoke test passed: user=%s roles=%v\n", login.User.ID, login.User.Roles)
}

func (s *smoke) must(step string, err error) {
	if err != nil {
		log.Fatalf("%s: %v", step, err)
	}
}

func (s *smoke) cookie(name string) string {
	req, _ := http.NewRequest(http.MethodGet, s.base+"/auth/", nil)
	for _, c := range s.client.Jar.Cookies(req.URL) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

func (s *smoke) call(method, path string, body any, want int, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, s.base+path, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.csrf != "" {
		req.Header.Set("X-CSRF-Token", s.csrf)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		return fmt.Errorf("%s %s: status %d, want %d", method, path, resp.StatusCode, want)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func checkGRPCHealth(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: "cmsgate"})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("status %v", resp.GetStatus())
	}
	return nil
}
