package server

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func testSessionManager(ttl time.Duration) *SessionManager {
	cfg := DefaultConfig()
	cfg.Session.TTL = Duration(ttl)
	return NewSessionManager(cfg, NewInMemoryStore(), testLogger())
}

func TestResolveTabIDPrecedence(t *testing.T) {
	tests := []struct {
		name   string
		header string
		param  string
		state  string
		want   string
	}{
		{name: "header_wins", header: "tab-h", param: "tab-p", state: "tab-s:abc", want: "tab-h"},
		{name: "param_over_state", param: "tab-p", state: "tab-s:abc", want: "tab-p"},
		{name: "state_prefix", state: "tab-s:abc", want: "tab-s"},
		{name: "state_without_prefix", state: "abc", want: defaultTabID},
		{name: "nothing", want: defaultTabID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/session"
			q := make([]string, 0, 2)
			if tt.param != "" {
				q = append(q, tabIDParamName+"="+tt.param)
			}
			if tt.state != "" {
				q = append(q, stateParamName+"="+tt.state)
			}
			for i, part := range q {
				if i == 0 {
					target += "?" + part
				} else {
					target += "&" + part
				}
			}

			r := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				r.Header.Set(tabIDHeaderName, tt.header)
			}

			if got := resolveTabID(r); got != tt.want {
				t.Errorf("got tab %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveCreatesSessionAndBrowserCookie(t *testing.T) {
	sm := testSessionManager(time.Hour)

	r := httptest.NewRequest(http.MethodGet, "/session", nil)
	w := httptest.NewRecorder()
	rec := sm.Resolve(w, r)

	if rec == nil {
		t.Fatal("no session resolved")
	}
	if rec.TabID != defaultTabID {
		t.Errorf("got tab %q, want %q", rec.TabID, defaultTabID)
	}

	var browserCookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == browserCookieName {
			browserCookie = c
		}
	}
	if browserCookie == nil {
		t.Fatal("browser cookie not set")
	}
	if !browserCookie.HttpOnly {
		t.Error("browser cookie must be HttpOnly")
	}
	if rec.ID != compositeID(browserCookie.Value, defaultTabID) {
		t.Errorf("session id %q does not match cookie-derived composite", rec.ID)
	}
}

func TestResolveDistinctTabsDistinctSessions(t *testing.T) {
	sm := testSessionManager(time.Hour)

	r1 := httptest.NewRequest(http.MethodGet, "/session", nil)
	r1.AddCookie(&http.Cookie{Name: browserCookieName, Value: "browser-1"})
	r1.Header.Set(tabIDHeaderName, "tab-a")
	recA := sm.Resolve(httptest.NewRecorder(), r1)

	r2 := httptest.NewRequest(http.MethodGet, "/session", nil)
	r2.AddCookie(&http.Cookie{Name: browserCookieName, Value: "browser-1"})
	r2.Header.Set(tabIDHeaderName, "tab-b")
	recB := sm.Resolve(httptest.NewRecorder(), r2)

	if recA.ID == recB.ID {
		t.Fatalf("tabs share session id %q", recA.ID)
	}

	recA.BindIdentity(&Identity{Username: "alice"})
	if recB.Authenticated() {
		t.Error("identity leaked across tab sessions")
	}

	// Same tab again resolves to the same record.
	r3 := httptest.NewRequest(http.MethodGet, "/session", nil)
	r3.AddCookie(&http.Cookie{Name: browserCookieName, Value: "browser-1"})
	r3.Header.Set(tabIDHeaderName, "tab-a")
	if again := sm.Resolve(httptest.NewRecorder(), r3); again.ID != recA.ID {
		t.Errorf("got %q, want %q", again.ID, recA.ID)
	}
}

func TestGetOrCreateConcurrentCallersConverge(t *testing.T) {
	store := NewInMemoryStore()

	const callers = 16
	records := make(chan *SessionRecord, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := newSessionRecord("browser-1_tab-a", "browser-1", "tab-a", "example.com", time.Hour)
			records <- store.GetOrCreate(rec)
		}()
	}
	wg.Wait()
	close(records)

	first := <-records
	for rec := range records {
		if rec != first {
			t.Fatal("concurrent callers observed different records for one composite id")
		}
	}
}

func TestFetchExpiredSessionDropped(t *testing.T) {
	sm := testSessionManager(10 * time.Millisecond)

	r := httptest.NewRequest(http.MethodGet, "/session", nil)
	r.AddCookie(&http.Cookie{Name: browserCookieName, Value: "browser-1"})
	rec := sm.Resolve(httptest.NewRecorder(), r)
	rec.BindIdentity(&Identity{Username: "alice"})

	time.Sleep(20 * time.Millisecond)

	if got := sm.Fetch(r); got != nil {
		t.Errorf("expired session still fetchable: %v", got.ID)
	}
}

func TestEnforceTabIDOverridesClientValue(t *testing.T) {
	sm := testSessionManager(time.Hour)

	// Establish an authenticated session bound to tab-a.
	seed := httptest.NewRequest(http.MethodGet, "/session", nil)
	seed.AddCookie(&http.Cookie{Name: browserCookieName, Value: "browser-1"})
	seed.Header.Set(tabIDHeaderName, "tab-a")
	bound := sm.Resolve(httptest.NewRecorder(), seed)
	bound.BindIdentity(&Identity{Username: "alice"})

	var seenHeader string
	var seenRec *SessionRecord
	handler := EnforceTabID(sm)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenHeader = r.Header.Get(tabIDHeaderName)
		seenRec = sm.Fetch(r)
	}))

	// A callback-style request carries the tab only inside the state; the
	// middleware promotes the session's bound value into the header so
	// downstream reads see it first in the precedence order.
	r := httptest.NewRequest(http.MethodGet, "/callback?state=tab-a%3Aabc", nil)
	r.AddCookie(&http.Cookie{Name: browserCookieName, Value: "browser-1"})
	handler.ServeHTTP(httptest.NewRecorder(), r)

	if seenHeader != "tab-a" {
		t.Errorf("got header %q after enforcement, want tab-a", seenHeader)
	}
	if seenRec == nil || seenRec.ID != bound.ID {
		t.Error("downstream did not resolve the bound session")
	}

	// A forged tab parameter resolves to a separate anonymous context; it
	// cannot reach tab-a's session or its identity.
	forged := httptest.NewRequest(http.MethodGet, "/session?tabId=tab-evil", nil)
	forged.AddCookie(&http.Cookie{Name: browserCookieName, Value: "browser-1"})
	handler.ServeHTTP(httptest.NewRecorder(), forged)

	if seenHeader != "" {
		t.Errorf("forged tab produced header %q, want none", seenHeader)
	}
	if seenRec != nil {
		t.Errorf("forged tab reached session %q", seenRec.ID)
	}
}

func TestTabFromState(t *testing.T) {
	if got := tabFromState("tab-1:abc-def"); got != "tab-1" {
		t.Errorf("got %q, want tab-1", got)
	}
	if got := tabFromState("no-delimiter"); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestSessionRecordConsumeAttr(t *testing.T) {
	rec := newSessionRecord("id", "b", "t", "host", time.Hour)
	rec.SetAttr(attrState, "t:abc")

	if !rec.CompareAndConsumeAttr(attrState, "t:abc") {
		t.Fatal("matching state not consumed")
	}
	if rec.CompareAndConsumeAttr(attrState, "t:abc") {
		t.Fatal("state consumed twice")
	}

	// A mismatch must not burn the stored value.
	rec.SetAttr(attrState, "t:real")
	if rec.CompareAndConsumeAttr(attrState, "t:forged") {
		t.Fatal("forged state accepted")
	}
	if !rec.CompareAndConsumeAttr(attrState, "t:real") {
		t.Fatal("real state was burned by a forged attempt")
	}
}
