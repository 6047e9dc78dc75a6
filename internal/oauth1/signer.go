// Package oauth1 builds OAuth 1.0a (HMAC-SHA1) Authorization headers.
//
// Every parameter that travels with a request (query string, form body and
// the oauth_* protocol parameters) takes part in the signature. Leaving one
// out is not detectable locally; the remote rejects the request.
package oauth1

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrSignature marks a failure to compute a signature. It indicates a local
// defect and must not be surfaced to API callers.
var ErrSignature = errors.New("oauth1: signature error")

const (
	signatureMethod = "HMAC-SHA1"
	oauthVersion    = "1.0"
	nonceBytes      = 16
)

type Credentials struct {
	ConsumerKey    string
	ConsumerSecret string
	Token          string
	TokenSecret    string
}

type Signer struct {
	creds Credentials
	nonce func() (string, error)
	now   func() time.Time
}

type Option func(*Signer)

// WithNonce replaces the random nonce generator.
func WithNonce(fn func() (string, error)) Option {
	return func(s *Signer) { s.nonce = fn }
}

// WithClock replaces the timestamp source.
func WithClock(fn func() time.Time) Option {
	return func(s *Signer) { s.now = fn }
}

func NewSigner(creds Credentials, opts ...Option) *Signer {
	s := &Signer{
		creds: creds,
		nonce: randomNonce,
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func randomNonce() (string, error) {
	b := make([]byte, nonceBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Authorization returns the value of the Authorization header for a request
// to baseURL (no query string). params must hold every query and form body
// parameter the request carries.
func (s *Signer) Authorization(method, baseURL string, params url.Values) (string, error) {
	nonce, err := s.nonce()
	if err != nil {
		return "", fmt.Errorf("%w: generate nonce: %v", ErrSignature, err)
	}

	oauth := map[string]string{
		"oauth_consumer_key":     s.creds.ConsumerKey,
		"oauth_nonce":            nonce,
		"oauth_signature_method": signatureMethod,
		"oauth_timestamp":        strconv.FormatInt(s.now().Unix(), 10),
		"oauth_token":            s.creds.Token,
		"oauth_version":          oauthVersion,
	}

	all := make(url.Values, len(params)+len(oauth))
	for k, vs := range params {
		all[k] = append([]string(nil), vs...)
	}
	for k, v := range oauth {
		all.Add(k, v)
	}

	base := SignatureBase(method, baseURL, all)
	oauth["oauth_signature"] = sign(base, s.creds.ConsumerSecret, s.creds.TokenSecret)

	keys := make([]string, 0, len(oauth))
	for k := range oauth {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf(`%s="%s"`, PercentEncode(k), PercentEncode(oauth[k])))
	}
	return "OAuth " + strings.Join(pairs, ", "), nil
}

// Sign sets the Authorization header on req. form holds the url-encoded body
// parameters when the request carries one; query parameters are read from
// req.URL.
func (s *Signer) Sign(req *http.Request, form url.Values) error {
	params := make(url.Values)
	for k, vs := range req.URL.Query() {
		params[k] = append(params[k], vs...)
	}
	for k, vs := range form {
		params[k] = append(params[k], vs...)
	}

	header, err := s.Authorization(req.Method, BaseURL(req.URL), params)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", header)
	return nil
}

// SignatureBase builds METHOD&encode(baseURL)&encode(normalized params).
func SignatureBase(method, baseURL string, params url.Values) string {
	return strings.ToUpper(method) + "&" + PercentEncode(baseURL) + "&" + PercentEncode(NormalizeParams(params))
}

// NormalizeParams encodes every key and value, sorts by encoded key (then
// value for repeated keys) and joins them as k=v&k=v.
func NormalizeParams(params url.Values) string {
	type pair struct{ k, v string }
	pairs := make([]pair, 0, len(params))
	for k, vs := range params {
		ek := PercentEncode(k)
		for _, v := range vs {
			pairs = append(pairs, pair{ek, PercentEncode(v)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})

	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.k)
		b.WriteByte('=')
		b.WriteString(p.v)
	}
	return b.String()
}

// BaseURL returns scheme://host/path with the scheme and host lower-cased,
// default ports removed and no query or fragment.
func BaseURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if (scheme == "http" && strings.HasSuffix(host, ":80")) || (scheme == "https" && strings.HasSuffix(host, ":443")) {
		host = host[:strings.LastIndexByte(host, ':')]
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path
}

func sign(base, consumerSecret, tokenSecret string) string {
	key := PercentEncode(consumerSecret) + "&" + PercentEncode(tokenSecret)
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// PercentEncode encodes s per RFC 3986: every byte outside the unreserved
// set (ALPHA, DIGIT, '-', '.', '_', '~') becomes %XX with upper-case hex.
func PercentEncode(s string) string {
	const hexDigits = "0123456789ABCDEF"

	n := 0
	for i := 0; i < len(s); i++ {
		if !unreserved(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}

	b := make([]byte, 0, len(s)+2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			b = append(b, c)
			continue
		}
		b = append(b, '%', hexDigits[c>>4], hexDigits[c&0x0f])
	}
	return string(b)
}

func unreserved(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return true
	case c == '-', c == '.', c == '_', c == '~':
		return true
	}
	return false
}
