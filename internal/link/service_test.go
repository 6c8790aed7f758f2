package link

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/teotwaki/liro/internal/kv"
	"github.com/teotwaki/liro/internal/lichess"
	"github.com/teotwaki/liro/internal/store"
)

type fakeAuthenticator struct {
	ExchangeCodeFn    func(ctx context.Context, code, codeVerifier string) (string, error)
	ResolveIdentityFn func(ctx context.Context, accessToken string) (lichess.Account, error)
}

func (f *fakeAuthenticator) ExchangeCode(ctx context.Context, code, codeVerifier string) (string, error) {
	if f.ExchangeCodeFn != nil {
		return f.ExchangeCodeFn(ctx, code, codeVerifier)
	}
	return "token", nil
}

func (f *fakeAuthenticator) ResolveIdentity(ctx context.Context, accessToken string) (lichess.Account, error) {
	if f.ResolveIdentityFn != nil {
		return f.ResolveIdentityFn(ctx, accessToken)
	}
	return lichess.Account{ID: "alice", Username: "Alice"}, nil
}

func newTestService(t *testing.T, auth Authenticator) (*Service, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	backend, err := kv.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	st := store.New(backend)
	svc := New(st, auth, Config{
		PublicURL:   "https://liro.example/",
		LichessURL:  "https://lichess.example",
		ClientID:    "liro",
		RedirectURL: "https://liro.example/oauth/callback",
	}, nil, nil)
	return svc, st
}

func TestCodeChallengeMatchesRFC7636Vector(t *testing.T) {
	got := CodeChallenge("dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk")
	if got != "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM" {
		t.Fatalf("unexpected challenge %q", got)
	}
}

func TestCodeChallengeIsDeterministic(t *testing.T) {
	verifier, err := NewCodeVerifier(defaultRandom)
	if err != nil {
		t.Fatalf("NewCodeVerifier failed: %v", err)
	}
	if CodeChallenge(verifier) != CodeChallenge(verifier) {
		t.Fatal("expected identical challenges for the same verifier")
	}
}

func TestCodeVerifierShape(t *testing.T) {
	verifier, err := NewCodeVerifier(defaultRandom)
	if err != nil {
		t.Fatalf("NewCodeVerifier failed: %v", err)
	}
	if len(verifier) != 128 {
		t.Fatalf("expected 128 characters, got %d", len(verifier))
	}
	for _, r := range verifier {
		unreserved := r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || strings.ContainsRune("-._~", r)
		if !unreserved {
			t.Fatalf("verifier contains reserved character %q", r)
		}
	}
}

func TestNewChallengeIDSkipsZero(t *testing.T) {
	random := bytes.NewReader(append(make([]byte, 8), 0, 0, 0, 0, 0, 0, 0, 7))
	id, err := newChallengeID(random)
	if err != nil {
		t.Fatalf("newChallengeID failed: %v", err)
	}
	if id != 7 {
		t.Fatalf("expected 7, got %d", id)
	}
}

func TestIssueAndURLs(t *testing.T) {
	svc, _ := newTestService(t, &fakeAuthenticator{})
	ctx := context.Background()

	ch, err := svc.Issue(ctx, 1, 2)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if ch.CommunityID != 1 || ch.MemberID != 2 || ch.CodeVerifier == "" {
		t.Fatalf("unexpected challenge %+v", ch)
	}

	id := strconv.FormatUint(ch.ID, 10)
	if got := svc.ConnectURL(ch); got != "https://liro.example/connect/lichess/"+id {
		t.Fatalf("unexpected connect url %q", got)
	}

	authorize, err := url.Parse(svc.AuthorizeURL(ch))
	if err != nil {
		t.Fatalf("parse authorize url: %v", err)
	}
	if authorize.Host != "lichess.example" || authorize.Path != "/oauth" {
		t.Fatalf("unexpected authorize url %s", authorize)
	}
	q := authorize.Query()
	checks := map[string]string{
		"response_type":         "code",
		"client_id":             "liro",
		"redirect_uri":          "https://liro.example/oauth/callback",
		"code_challenge_method": "S256",
		"code_challenge":        CodeChallenge(ch.CodeVerifier),
		"state":                 id,
	}
	for key, want := range checks {
		if got := q.Get(key); got != want {
			t.Fatalf("%s = %q, want %q", key, got, want)
		}
	}

	looked, err := svc.Lookup(ctx, ch.ID)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if looked.CodeVerifier != ch.CodeVerifier {
		t.Fatal("lookup returned a different challenge")
	}
}

func TestRedeemIsSingleUse(t *testing.T) {
	svc, _ := newTestService(t, &fakeAuthenticator{})
	ctx := context.Background()

	ch, err := svc.Issue(ctx, 1, 2)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := svc.Redeem(ctx, ch.ID); err != nil {
		t.Fatalf("first Redeem failed: %v", err)
	}
	if _, err := svc.Redeem(ctx, ch.ID); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}
	if _, err := svc.Lookup(ctx, ch.ID); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected consumed challenge to be gone, got %v", err)
	}
}

func TestCompleteUnknownChallenge(t *testing.T) {
	called := false
	svc, _ := newTestService(t, &fakeAuthenticator{
		ExchangeCodeFn: func(ctx context.Context, code, codeVerifier string) (string, error) {
			called = true
			return "token", nil
		},
	})
	if _, err := svc.Complete(context.Background(), 12345, "code"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound, got %v", err)
	}
	if called {
		t.Fatal("lichess must not be contacted for an unknown challenge")
	}
}

func TestCompleteLinksMember(t *testing.T) {
	var gotVerifier string
	svc, st := newTestService(t, &fakeAuthenticator{
		ExchangeCodeFn: func(ctx context.Context, code, codeVerifier string) (string, error) {
			if code != "the-code" {
				t.Errorf("unexpected code %q", code)
			}
			gotVerifier = codeVerifier
			return "token", nil
		},
	})
	ctx := context.Background()

	ch, _ := svc.Issue(ctx, 1, 2)
	member, err := svc.Complete(ctx, ch.ID, "the-code")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if gotVerifier != ch.CodeVerifier {
		t.Fatal("exchange did not use the stored verifier")
	}
	if member.Username != "Alice" || member.MemberID != 2 {
		t.Fatalf("unexpected member %+v", member)
	}
	if _, err := st.GetMember(ctx, 1, 2); err != nil {
		t.Fatalf("expected member record, got %v", err)
	}
	if _, err := svc.Complete(ctx, ch.ID, "the-code"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected replay to fail, got %v", err)
	}
}

func TestCompleteRejectsRestrictedAccount(t *testing.T) {
	svc, st := newTestService(t, &fakeAuthenticator{
		ResolveIdentityFn: func(ctx context.Context, accessToken string) (lichess.Account, error) {
			return lichess.Account{ID: "botty", Username: "Botty", Title: "BOT"}, nil
		},
	})
	ctx := context.Background()

	ch, _ := svc.Issue(ctx, 1, 2)
	if _, err := svc.Complete(ctx, ch.ID, "code"); !errors.Is(err, ErrRestrictedAccount) {
		t.Fatalf("expected ErrRestrictedAccount, got %v", err)
	}
	if _, err := st.GetMember(ctx, 1, 2); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no record, got %v", err)
	}
}

func TestCompleteRejectsDuplicateUsername(t *testing.T) {
	svc, st := newTestService(t, &fakeAuthenticator{})
	ctx := context.Background()

	if err := st.CreateMember(ctx, &store.Member{CommunityID: 1, MemberID: 9, Username: "alice"}); err != nil {
		t.Fatalf("CreateMember failed: %v", err)
	}

	ch, _ := svc.Issue(ctx, 1, 2)
	if _, err := svc.Complete(ctx, ch.ID, "code"); !errors.Is(err, ErrDuplicateLink) {
		t.Fatalf("expected ErrDuplicateLink, got %v", err)
	}
	if _, err := st.GetMember(ctx, 1, 2); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no record for member 2, got %v", err)
	}
	owner, _ := st.GetMember(ctx, 1, 9)
	if owner.Username != "alice" {
		t.Fatal("existing link was modified")
	}
}

func TestCompleteRejectsAlreadyLinkedMember(t *testing.T) {
	svc, st := newTestService(t, &fakeAuthenticator{})
	ctx := context.Background()

	if err := st.CreateMember(ctx, &store.Member{CommunityID: 1, MemberID: 2, Username: "carol"}); err != nil {
		t.Fatalf("CreateMember failed: %v", err)
	}
	ch, _ := svc.Issue(ctx, 1, 2)
	if _, err := svc.Complete(ctx, ch.ID, "code"); !errors.Is(err, ErrAlreadyLinked) {
		t.Fatalf("expected ErrAlreadyLinked, got %v", err)
	}
	got, _ := st.GetMember(ctx, 1, 2)
	if got.Username != "carol" {
		t.Fatalf("prior link was overwritten: %+v", got)
	}
}

func TestCompleteUpstreamFailureConsumesChallenge(t *testing.T) {
	svc, _ := newTestService(t, &fakeAuthenticator{
		ExchangeCodeFn: func(ctx context.Context, code, codeVerifier string) (string, error) {
			return "", &lichess.StatusError{Op: "exchange code", StatusCode: 503}
		},
	})
	ctx := context.Background()

	ch, _ := svc.Issue(ctx, 1, 2)
	_, err := svc.Complete(ctx, ch.ID, "code")
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	var statusErr *lichess.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatal("expected the lichess status error to be preserved")
	}
	if _, err := svc.Lookup(ctx, ch.ID); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected challenge to be consumed, got %v", err)
	}
}
