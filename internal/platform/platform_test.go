package platform

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/mtzanidakis/postdeck/internal/oauth1"
)

var fixedSigner = []oauth1.Option{
	oauth1.WithNonce(func() (string, error) { return "nonce", nil }),
	oauth1.WithClock(func() time.Time { return time.Unix(1700000000, 0) }),
}

func twitterCreds() StaticCredentials {
	return StaticCredentials{
		CredTwitterConsumerKey:    "ck",
		CredTwitterConsumerSecret: "cs",
		CredTwitterAccessToken:    "at",
		CredTwitterAccessSecret:   "as",
	}
}

type recorded struct {
	method string
	path   string
	auth   string
	ctype  string
	body   string
	header http.Header
}

type recorder struct {
	mu   sync.Mutex
	reqs []recorded
}

func (r *recorder) wrap(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.reqs = append(r.reqs, recorded{
			method: req.Method,
			path:   req.URL.Path,
			auth:   req.Header.Get("Authorization"),
			ctype:  req.Header.Get("Content-Type"),
			body:   string(body),
			header: req.Header.Clone(),
		})
		r.mu.Unlock()
		req.Body = io.NopCloser(strings.NewReader(string(body)))
		h(w, req)
	}
}

func (r *recorder) paths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.reqs))
	for i, q := range r.reqs {
		out[i] = q.method + " " + q.path
	}
	return out
}

func newTwitterServer(t *testing.T, rec *recorder, mux *http.ServeMux) *TwitterAdapter {
	t.Helper()
	srv := httptest.NewServer(rec.wrap(mux.ServeHTTP))
	t.Cleanup(srv.Close)
	loader := NewMediaLoader(srv.Client(), t.TempDir(), "")
	return NewTwitter(srv.Client(), twitterCreds(), loader, srv.URL, srv.URL, fixedSigner...)
}

func TestTwitterPublishTextOnly(t *testing.T) {
	rec := &recorder{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /2/tweets", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["text"] != "hello" {
			t.Errorf("expected text 'hello', got %v", body["text"])
		}
		if _, ok := body["media"]; ok {
			t.Error("expected no media field")
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"123","text":"hello"}}`))
	})
	tw := newTwitterServer(t, rec, mux)

	res := tw.Publish(context.Background(), "hello", nil)
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.PostID != "123" {
		t.Errorf("expected id 123, got %s", res.PostID)
	}
	if res.PostURL != "https://x.com/i/web/status/123" {
		t.Errorf("unexpected url %s", res.PostURL)
	}

	auth := rec.reqs[0].auth
	if !strings.HasPrefix(auth, "OAuth ") {
		t.Fatalf("expected OAuth header, got %q", auth)
	}
	for _, p := range []string{"oauth_consumer_key", "oauth_nonce", "oauth_signature", "oauth_signature_method", "oauth_timestamp", "oauth_token", "oauth_version"} {
		if !strings.Contains(auth, p+"=") {
			t.Errorf("header missing %s: %s", p, auth)
		}
	}
	if strings.Contains(auth, "text=") {
		t.Errorf("JSON body leaked into header: %s", auth)
	}
}

func TestTwitterPublishWithMedia(t *testing.T) {
	rec := &recorder{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /1.1/media/upload.json", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("media_data") != "aGk=" {
			t.Errorf("expected data url payload, got %q", r.PostForm.Get("media_data"))
		}
		w.Write([]byte(`{"media_id":710511363345354753,"media_id_string":"710511363345354753"}`))
	})
	mux.HandleFunc("POST /2/tweets", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Media struct {
				MediaIDs []string `json:"media_ids"`
			} `json:"media"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.Media.MediaIDs) != 1 || body.Media.MediaIDs[0] != "710511363345354753" {
			t.Errorf("unexpected media ids %v", body.Media.MediaIDs)
		}
		w.Write([]byte(`{"data":{"id":"9"}}`))
	})
	tw := newTwitterServer(t, rec, mux)

	var progress []string
	ctx := WithProgress(context.Background(), func(task string) { progress = append(progress, task) })
	res := tw.Publish(ctx, "with image", []string{"data:image/png;base64,aGk="})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	paths := rec.paths()
	if len(paths) != 2 {
		t.Fatalf("expected 2 calls, got %v", paths)
	}
	if paths[0] != "POST /1.1/media/upload.json" || paths[1] != "POST /2/tweets" {
		t.Errorf("expected upload before post, got %v", paths)
	}
	if len(progress) != 2 || progress[0] != "uploading media 1/1" {
		t.Errorf("unexpected progress %v", progress)
	}
}

func TestTwitterMediaFailureStillPostsText(t *testing.T) {
	rec := &recorder{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /1.1/media/upload.json", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[{"message":"bad media"}]}`, http.StatusBadRequest)
	})
	mux.HandleFunc("POST /2/tweets", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["media"]; ok {
			t.Error("expected tweet without media")
		}
		w.Write([]byte(`{"data":{"id":"77"}}`))
	})
	tw := newTwitterServer(t, rec, mux)

	res := tw.Publish(context.Background(), "text survives", []string{"data:image/png;base64,aGk="})
	if !res.Success || res.PostID != "77" {
		t.Fatalf("expected text-only success, got %+v", res)
	}
}

func TestTwitterRejectsLongText(t *testing.T) {
	rec := &recorder{}
	tw := newTwitterServer(t, rec, http.NewServeMux())

	res := tw.Publish(context.Background(), strings.Repeat("é", MaxTweetLength+1), nil)
	if res.Success || res.ErrorKind != KindInvalidContent {
		t.Fatalf("expected invalid_content, got %+v", res)
	}
	if len(rec.paths()) != 0 {
		t.Error("expected no remote calls")
	}

	res = tw.Publish(context.Background(), strings.Repeat("é", MaxTweetLength), nil)
	if res.ErrorKind == KindInvalidContent {
		t.Error("280 characters should be accepted")
	}
}

func TestTwitterNotConnected(t *testing.T) {
	creds := twitterCreds()
	delete(creds, CredTwitterAccessSecret)
	tw := NewTwitter(http.DefaultClient, creds, nil, "http://unused", "http://unused")

	if tw.Connected(context.Background()) {
		t.Error("expected not connected")
	}
	res := tw.Publish(context.Background(), "hi", nil)
	if res.ErrorKind != KindNotConnected {
		t.Errorf("expected not_connected, got %+v", res)
	}
}

func TestTwitterRemoteRejection(t *testing.T) {
	rec := &recorder{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /2/tweets", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"title":"Forbidden","detail":"duplicate content"}`))
	})
	tw := newTwitterServer(t, rec, mux)

	res := tw.Publish(context.Background(), "dup", nil)
	if res.ErrorKind != KindRemoteRejected {
		t.Fatalf("expected remote_rejected, got %+v", res)
	}
	if !strings.Contains(res.Error, "duplicate content") {
		t.Errorf("expected remote message, got %q", res.Error)
	}
}

func TestTwitterSignatureFailureIsMasked(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.wrap(http.NotFound))
	defer srv.Close()
	tw := NewTwitter(srv.Client(), twitterCreds(), nil, srv.URL, srv.URL,
		oauth1.WithNonce(func() (string, error) { return "", errors.New("entropy exhausted") }))

	res := tw.Publish(context.Background(), "hi", nil)
	if res.Success {
		t.Fatal("expected failure")
	}
	if strings.Contains(res.Error, "entropy") {
		t.Errorf("signing detail leaked: %q", res.Error)
	}
	if len(rec.paths()) != 0 {
		t.Error("unsigned request must not be sent")
	}
}

func TestTwitterReadEndpointsSignQuery(t *testing.T) {
	rec := &recorder{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /2/users/me", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"id":"u1","name":"Deck","username":"deck"}}`))
	})
	mux.HandleFunc("GET /2/users/u1/tweets", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("max_results") != "10" {
			t.Errorf("expected max_results clamped to 10, got %q", r.URL.Query().Get("max_results"))
		}
		w.Write([]byte(`{"data":[{"id":"t2","text":"second","created_at":"2026-01-02T00:00:00Z"},{"id":"t1","text":"first","created_at":"2026-01-01T00:00:00Z"}]}`))
	})
	srv := httptest.NewServer(rec.wrap(mux.ServeHTTP))
	defer srv.Close()
	tw := NewTwitter(srv.Client(), twitterCreds(), nil, srv.URL, srv.URL, fixedSigner...)
	ctx := context.Background()

	me, err := tw.Me(ctx)
	if err != nil {
		t.Fatalf("Me: %v", err)
	}
	if me.ID != "u1" || me.Username != "deck" {
		t.Errorf("unexpected user %+v", me)
	}

	posts, err := tw.RecentPosts(ctx, me.ID, 500)
	if err != nil {
		t.Fatalf("RecentPosts: %v", err)
	}
	if len(posts) != 2 || posts[0].ID != "t2" {
		t.Errorf("unexpected posts %+v", posts)
	}

	signer := oauth1.NewSigner(oauth1.Credentials{
		ConsumerKey:    "ck",
		ConsumerSecret: "cs",
		Token:          "at",
		TokenSecret:    "as",
	}, fixedSigner...)
	want, err := signer.Authorization(http.MethodGet, srv.URL+"/2/users/u1/tweets", url.Values{
		"max_results":  {"10"},
		"tweet.fields": {"created_at"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := rec.reqs[1].auth; got != want {
		t.Errorf("query parameters not signed:\n got %s\nwant %s", got, want)
	}
}

func TestMediaUploaderRejectsNonImage(t *testing.T) {
	up := NewMediaUploader(http.DefaultClient, "http://unused", oauth1.NewSigner(oauth1.Credentials{}))
	_, err := up.Upload(context.Background(), []byte("data:video/mp4;base64,AAAA"), "")
	if !errors.Is(err, ErrInvalidContent) {
		t.Errorf("expected ErrInvalidContent, got %v", err)
	}
}

func TestMediaUploaderErrorCarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"media type unrecognized"}`))
	}))
	defer srv.Close()

	up := NewMediaUploader(srv.Client(), srv.URL, oauth1.NewSigner(oauth1.Credentials{ConsumerKey: "k"}))
	_, err := up.Upload(context.Background(), []byte{0x89, 'P', 'N', 'G'}, "image/png")
	var ue *UploadError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UploadError, got %v", err)
	}
	if ue.Status != http.StatusBadRequest || !strings.Contains(ue.Body, "unrecognized") {
		t.Errorf("unexpected upload error %+v", ue)
	}
	if Kind(err) != KindRemoteRejected {
		t.Errorf("expected remote_rejected kind, got %s", Kind(err))
	}
}

func TestLinkedInPublish(t *testing.T) {
	rec := &recorder{}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"sub":"abc"}`))
	})
	mux.HandleFunc("POST /v2/ugcPosts", func(w http.ResponseWriter, r *http.Request) {
		var body ugcPost
		json.NewDecoder(r.Body).Decode(&body)
		if body.Author != "urn:li:person:abc" {
			t.Errorf("unexpected author %s", body.Author)
		}
		if body.SpecificContent.ShareContent.ShareCommentary.Text != "career news" {
			t.Errorf("unexpected text")
		}
		w.Header().Set("X-RestLi-Id", "urn:li:share:42")
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(rec.wrap(mux.ServeHTTP))
	defer srv.Close()

	li := NewLinkedIn(srv.Client(), StaticCredentials{CredLinkedInAccessToken: "tok"}, srv.URL)
	res := li.Publish(context.Background(), "career news", []string{"ignored.png"})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.PostID != "urn:li:share:42" {
		t.Errorf("unexpected id %s", res.PostID)
	}
	if res.PostURL != "https://www.linkedin.com/feed/update/urn:li:share:42" {
		t.Errorf("unexpected url %s", res.PostURL)
	}
	for _, q := range rec.reqs {
		if q.auth != "Bearer tok" {
			t.Errorf("expected bearer auth on %s, got %q", q.path, q.auth)
		}
	}
	if rec.reqs[1].header.Get("X-Restli-Protocol-Version") != "2.0.0" {
		t.Error("missing restli protocol header")
	}
}

func TestLinkedInNotConnected(t *testing.T) {
	li := NewLinkedIn(http.DefaultClient, StaticCredentials{}, "http://unused")
	res := li.Publish(context.Background(), "hi", nil)
	if res.ErrorKind != KindNotConnected {
		t.Errorf("expected not_connected, got %+v", res)
	}
}

func TestInstagramRequiresMedia(t *testing.T) {
	ig := NewInstagram(http.DefaultClient, StaticCredentials{
		CredInstagramAccessToken: "tok",
		CredInstagramUserID:      "17841",
	}, NewMediaLoader(http.DefaultClient, t.TempDir(), ""), "http://unused")

	res := ig.Publish(context.Background(), "caption", nil)
	if res.ErrorKind != KindMediaRequired {
		t.Fatalf("expected media_required, got %+v", res)
	}

	res = ig.Publish(context.Background(), "caption", []string{"local.png"})
	if res.ErrorKind != KindMediaRequired {
		t.Errorf("expected media_required without public base url, got %+v", res)
	}
}

func TestInstagramPublish(t *testing.T) {
	rec := &recorder{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /17841/media", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if got := r.PostForm.Get("image_url"); got != "https://cdn.example.com/media/a%20b.png" {
			t.Errorf("unexpected image_url %s", got)
		}
		if r.PostForm.Get("caption") != "sunset" {
			t.Errorf("unexpected caption")
		}
		w.Write([]byte(`{"id":"container-1"}`))
	})
	mux.HandleFunc("POST /17841/media_publish", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("creation_id") != "container-1" {
			t.Errorf("unexpected creation_id")
		}
		w.Write([]byte(`{"id":"media-9"}`))
	})
	mux.HandleFunc("GET /media-9", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"permalink":"https://www.instagram.com/p/xyz/"}`))
	})
	srv := httptest.NewServer(rec.wrap(mux.ServeHTTP))
	defer srv.Close()

	loader := NewMediaLoader(srv.Client(), t.TempDir(), "https://cdn.example.com/media/")
	ig := NewInstagram(srv.Client(), StaticCredentials{
		CredInstagramAccessToken: "tok",
		CredInstagramUserID:      "17841",
	}, loader, srv.URL)

	res := ig.Publish(context.Background(), "sunset", []string{"a b.png"})
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.PostID != "media-9" || res.PostURL != "https://www.instagram.com/p/xyz/" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestFacebookPublish(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /page1/feed", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("message") != "news" {
			t.Errorf("unexpected message")
		}
		if r.PostForm.Get("link") != "https://example.com/pic.jpg" {
			t.Errorf("expected first remote media as link, got %q", r.PostForm.Get("link"))
		}
		w.Write([]byte(`{"id":"page1_55"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	fb := NewFacebook(srv.Client(), StaticCredentials{
		CredFacebookAccessToken: "tok",
		CredFacebookPageID:      "page1",
	}, srv.URL)
	res := fb.Publish(context.Background(), "news", []string{"local.png", "https://example.com/pic.jpg"})
	if !res.Success || res.PostID != "page1_55" {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.PostURL != "https://www.facebook.com/page1_55" {
		t.Errorf("unexpected url %s", res.PostURL)
	}
}

func TestNetworkErrorKind(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	fb := NewFacebook(http.DefaultClient, StaticCredentials{CredFacebookAccessToken: "tok"}, url)
	res := fb.Publish(context.Background(), "hi", nil)
	if res.ErrorKind != KindNetwork {
		t.Errorf("expected network_error, got %+v", res)
	}
}

type panicAdapter struct{}

func (panicAdapter) Platform() Platform             { return Platform("boom") }
func (panicAdapter) Connected(context.Context) bool { return true }
func (panicAdapter) Publish(context.Context, string, []string) PostResult {
	panic("kaboom")
}

func TestRegistryUnknownAndPanic(t *testing.T) {
	r := NewRegistry(panicAdapter{})

	res := r.Publish(context.Background(), Platform("myspace"), "hi", nil)
	if res.Success || res.ErrorKind != KindUnsupported {
		t.Errorf("expected unsupported_platform, got %+v", res)
	}
	if !strings.Contains(res.Error, "not yet implemented") {
		t.Errorf("unexpected message %q", res.Error)
	}

	res = r.Publish(context.Background(), Platform("boom"), "hi", nil)
	if res.Success || res.ErrorKind != KindInternal {
		t.Errorf("expected internal failure, got %+v", res)
	}
}

func TestMediaLoader(t *testing.T) {
	dir := t.TempDir()
	png := []byte("\x89PNG\r\n\x1a\n0000")
	if err := os.WriteFile(filepath.Join(dir, "pic.png"), png, 0o644); err != nil {
		t.Fatal(err)
	}
	l := NewMediaLoader(http.DefaultClient, dir, "https://cdn.example.com")

	m, err := l.Load(context.Background(), "pic.png")
	if err != nil {
		t.Fatalf("load local: %v", err)
	}
	if m.MIMEType != "image/png" {
		t.Errorf("expected image/png, got %s", m.MIMEType)
	}

	enc := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString([]byte("jpg"))
	m, err = l.Load(context.Background(), enc)
	if err != nil || string(m.Data) != "jpg" || m.MIMEType != "image/jpeg" {
		t.Errorf("unexpected data url load: %+v %v", m, err)
	}

	if _, err := l.Load(context.Background(), "../etc/passwd"); !errors.Is(err, ErrInvalidContent) {
		t.Errorf("expected escape rejection, got %v", err)
	}

	if u, ok := l.PublicURL("pic.png"); !ok || u != "https://cdn.example.com/pic.png" {
		t.Errorf("unexpected public url %q %v", u, ok)
	}
	if _, ok := l.PublicURL(enc); ok {
		t.Error("data urls have no public url")
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc..."},
		{"aé", 2, "a..."},
		{"日本語", 4, "日..."},
		{"日本語", 6, "日本..."},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.max)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) produced invalid UTF-8", tt.in, tt.max)
		}
	}

	long := strings.Repeat("x", maxErrorBody-1) + "ü and more"
	if got := truncate(long, maxErrorBody); !utf8.ValidString(got) || len(got) > maxErrorBody+3 {
		t.Errorf("unexpected cut of %d bytes", len(got))
	}
}
