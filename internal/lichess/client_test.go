package lichess

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teotwaki/liro/internal/rating"
)

const userPayload = `{
	"id": "drnykterstein",
	"username": "DrNykterstein",
	"perfs": {
		"bullet": {"games": 100, "rating": 3200, "rd": 50, "prog": 4},
		"blitz": {"games": 50, "rating": 3100, "rd": 60, "prog": -2},
		"rapid": {"games": 3, "rating": 1500, "rd": 300, "prov": true},
		"classical": {"games": 0, "rating": 1500, "rd": 500, "prov": true},
		"puzzle": {"games": 10, "rating": 2500}
	}
}`

func TestFetchRatingsExcludesProvisional(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/user/DrNykterstein" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(userPayload))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL}, srv.Client())
	ratings, err := client.FetchRatings(context.Background(), "DrNykterstein")
	if err != nil {
		t.Fatalf("FetchRatings failed: %v", err)
	}

	want := rating.Ratings{rating.Bullet: 3200, rating.Blitz: 3100}
	if len(ratings) != len(want) {
		t.Fatalf("expected %v, got %v", want, ratings)
	}
	for category, value := range want {
		if ratings[category] != value {
			t.Fatalf("%s = %d, want %d", category, ratings[category], value)
		}
	}
}

func TestFetchRatingsUsesCache(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(userPayload))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, CacheTTL: time.Minute}, srv.Client())
	ctx := context.Background()
	first, err := client.FetchRatings(ctx, "DrNykterstein")
	if err != nil {
		t.Fatalf("FetchRatings failed: %v", err)
	}
	first[rating.Bullet] = 0

	second, err := client.FetchRatings(ctx, "drnykterstein")
	if err != nil {
		t.Fatalf("FetchRatings failed: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one upstream call, got %d", calls.Load())
	}
	if second[rating.Bullet] != 3200 {
		t.Fatal("cached ratings were mutated by a caller")
	}
}

func TestFetchRatingsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/user/ghost":
			http.NotFound(w, r)
		default:
			http.Error(w, "slow down", http.StatusTooManyRequests)
		}
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL}, srv.Client())
	if _, err := client.FetchRatings(context.Background(), "ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}

	_, err := client.FetchRatings(context.Background(), "busy")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected StatusError 429, got %v", err)
	}
}

func TestExchangeCodeSendsVerifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/token" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		checks := map[string]string{
			"grant_type":    "authorization_code",
			"code":          "the-code",
			"code_verifier": "the-verifier",
			"client_id":     "liro",
			"redirect_uri":  "https://liro.example/oauth/callback",
		}
		for key, want := range checks {
			if got := r.PostForm.Get(key); got != want {
				t.Errorf("%s = %q, want %q", key, got, want)
			}
		}
		_, _ = w.Write([]byte(`{"token_type":"Bearer","access_token":"lio_token","expires_in":31536000}`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, ClientID: "liro", RedirectURL: "https://liro.example/oauth/callback"}, srv.Client())
	token, err := client.ExchangeCode(context.Background(), "the-code", "the-verifier")
	if err != nil {
		t.Fatalf("ExchangeCode failed: %v", err)
	}
	if token != "lio_token" {
		t.Fatalf("unexpected token %q", token)
	}
}

func TestExchangeCodeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL}, srv.Client())
	if _, err := client.ExchangeCode(context.Background(), "bad", "v"); err == nil {
		t.Fatal("expected error for rejected code")
	}
}

func TestResolveIdentity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer human":
			_, _ = w.Write([]byte(`{"id":"alice","username":"Alice"}`))
		case "Bearer bot":
			_, _ = w.Write([]byte(`{"id":"botty","username":"Botty","title":"BOT"}`))
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL}, srv.Client())
	ctx := context.Background()

	account, err := client.ResolveIdentity(ctx, "human")
	if err != nil {
		t.Fatalf("ResolveIdentity failed: %v", err)
	}
	if account.Username != "Alice" || account.Restricted() {
		t.Fatalf("unexpected account %+v", account)
	}

	bot, err := client.ResolveIdentity(ctx, "bot")
	if err != nil {
		t.Fatalf("ResolveIdentity failed: %v", err)
	}
	if !bot.Restricted() {
		t.Fatal("expected BOT account to be restricted")
	}

	if _, err := client.ResolveIdentity(ctx, "nope"); err == nil {
		t.Fatal("expected error for unauthorized token")
	}
}

func TestTitledPlayerIsNotRestricted(t *testing.T) {
	if (Account{Username: "x", Title: "GM"}).Restricted() {
		t.Fatal("expected GM title not to be restricted")
	}
}
