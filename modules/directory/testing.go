package directory

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"google.golang.org/api/option"
)

// FakeServer imitates the OAuth token endpoint and the groups listing of the Admin SDK.
// Each membership list is served one group per page to exercise pagination.
type FakeServer struct {
	*httptest.Server

	mu          sync.Mutex
	memberships map[string][]Group
	failures    map[string]int
	assertions  []string
	calls       int
}

func NewFakeServer(t *testing.T) *FakeServer {
	f := &FakeServer{memberships: map[string][]Group{}, failures: map[string]int{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", f.handleToken)
	mux.HandleFunc("GET /admin/directory/v1/groups", f.handleGroups)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

// SetGroups replaces the groups returned for the given user.
func (f *FakeServer) SetGroups(email string, groups ...Group) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberships[email] = groups
}

// FailNext makes the next n group listings for the user return a server error.
func (f *FakeServer) FailNext(email string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[email] = n
}

// Calls returns the number of group listing requests served so far.
func (f *FakeServer) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Assertions returns the signed JWT assertions received by the token endpoint.
func (f *FakeServer) Assertions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.assertions...)
}

// Options points an Admin SDK client at the fake.
func (f *FakeServer) Options() []option.ClientOption {
	return []option.ClientOption{option.WithEndpoint(f.URL + "/")}
}

// WriteCredentials writes a service account key whose token endpoint is the fake.
func (f *FakeServer) WriteCredentials(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "googleAuth_key.json")
	if err := os.WriteFile(path, f.ServiceAccountKey(t), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func (f *FakeServer) ServiceAccountKey(t *testing.T) []byte {
	pkey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(pkey)})

	js, err := json.Marshal(map[string]string{
		"type":           "service_account",
		"project_id":     "rolesync-test",
		"private_key_id": "test-key",
		"private_key":    string(keyPEM),
		"client_email":   "rolesync@rolesync-test.iam.gserviceaccount.com",
		"client_id":      "1234",
		"token_uri":      f.URL + "/token",
	})
	if err != nil {
		t.Fatal(err)
	}
	return js
}

func (f *FakeServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.assertions = append(f.assertions, r.PostForm.Get("assertion"))
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"access_token": "fake-token", "token_type": "Bearer", "expires_in": 3600})
}

func (f *FakeServer) handleGroups(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if r.Header.Get("Authorization") != "Bearer fake-token" {
		http.Error(w, `{"error":{"code":401,"message":"unauthenticated"}}`, http.StatusUnauthorized)
		return
	}

	email := r.URL.Query().Get("userKey")
	if f.failures[email] > 0 {
		f.failures[email]--
		http.Error(w, `{"error":{"code":400,"message":"directory unavailable"}}`, http.StatusBadRequest)
		return
	}

	groups := f.memberships[email]
	page := 0
	if tok := r.URL.Query().Get("pageToken"); tok != "" {
		json.Unmarshal([]byte(tok), &page)
	}

	type group struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	resp := struct {
		Kind          string  `json:"kind"`
		Groups        []group `json:"groups,omitempty"`
		NextPageToken string  `json:"nextPageToken,omitempty"`
	}{Kind: "admin#directory#groups"}
	if page < len(groups) {
		resp.Groups = []group{{Name: groups[page].Name, Email: groups[page].Email}}
	}
	if page+1 < len(groups) {
		next, _ := json.Marshal(page + 1)
		resp.NextPageToken = string(next)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
