package graph

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shineum/mail-relay/internal/config"
	"github.com/shineum/mail-relay/internal/email"
	"github.com/shineum/mail-relay/internal/transport"
)

func newStore(mutate func(o *config.Options)) *config.Store {
	o := config.DefaultOptions()
	o.TransportType = Slug
	o.Sender.Email = "sender@example.com"
	o.Graph = config.GraphOptions{TenantID: "tenant-1", ClientID: "client-1", ClientSecret: "secret-1"}
	if mutate != nil {
		mutate(&o)
	}
	return config.NewStore(o, "")
}

// graphServer serves the token endpoint and the sendMail endpoint.
type graphServer struct {
	*httptest.Server
	tokenCalls atomic.Int32
	sendCalls  atomic.Int32
	sendStatus int
	sendBody   string
	lastAuth   atomic.Value
	lastBody   atomic.Value
}

func newGraphServer(t *testing.T, sendStatus int, sendBody string) *graphServer {
	t.Helper()
	gs := &graphServer{sendStatus: sendStatus, sendBody: sendBody}

	mux := http.NewServeMux()
	mux.HandleFunc("/tenant-1/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		gs.tokenCalls.Add(1)
		r.ParseForm()
		if r.Form.Get("client_secret") != "secret-1" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":"invalid_client"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"test-token","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/v1.0/users/sender@example.com/sendMail", func(w http.ResponseWriter, r *http.Request) {
		gs.sendCalls.Add(1)
		gs.lastAuth.Store(r.Header.Get("Authorization"))
		var req sendMailRequest
		json.NewDecoder(r.Body).Decode(&req)
		gs.lastBody.Store(req)
		w.WriteHeader(gs.sendStatus)
		w.Write([]byte(gs.sendBody))
	})

	gs.Server = httptest.NewServer(mux)
	t.Cleanup(gs.Close)
	return gs
}

func (gs *graphServer) transport(store *config.Store) *Transport {
	return newWithOverrides(store, gs.URL, gs.URL+"/%s/oauth2/v2.0/token", gs.Client())
}

func TestDeliver_Success(t *testing.T) {
	t.Parallel()
	gs := newGraphServer(t, http.StatusAccepted, "")
	tr := gs.transport(newStore(nil))

	msg := &email.Email{
		From:     "sender@example.com",
		To:       []string{"alice@example.com"},
		Bcc:      []string{"hidden@example.com"},
		Subject:  "Hello",
		TextBody: "Hi",
		ReplyTo:  "reply@example.com",
		Headers:  map[string]string{"X-Mailer": "mail-relay", "Message-ID": "<x@y>"},
	}

	if err := tr.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := gs.lastAuth.Load(); got != "Bearer test-token" {
		t.Errorf("Authorization: got %q, want %q", got, "Bearer test-token")
	}
	req := gs.lastBody.Load().(sendMailRequest)
	if req.Message.Subject != "Hello" {
		t.Errorf("Subject: got %q", req.Message.Subject)
	}
	if len(req.Message.BccRecipients) != 1 {
		t.Errorf("BccRecipients: got %d, want 1", len(req.Message.BccRecipients))
	}
	if len(req.Message.ReplyTo) != 1 || req.Message.ReplyTo[0].EmailAddress.Address != "reply@example.com" {
		t.Errorf("ReplyTo: got %+v", req.Message.ReplyTo)
	}
	if len(req.Message.InternetMessageHeaders) != 1 || req.Message.InternetMessageHeaders[0].Name != "X-Mailer" {
		t.Errorf("InternetMessageHeaders: got %+v, want only X-Mailer", req.Message.InternetMessageHeaders)
	}
}

func TestDeliver_TokenIsCached(t *testing.T) {
	t.Parallel()
	gs := newGraphServer(t, http.StatusAccepted, "")
	tr := gs.transport(newStore(nil))

	msg := &email.Email{To: []string{"alice@example.com"}, TextBody: "Hi"}
	for i := 0; i < 3; i++ {
		if err := tr.Deliver(context.Background(), msg); err != nil {
			t.Fatalf("Deliver %d: %v", i, err)
		}
	}

	if got := gs.tokenCalls.Load(); got != 1 {
		t.Errorf("token calls: got %d, want 1", got)
	}
	if got := gs.sendCalls.Load(); got != 3 {
		t.Errorf("send calls: got %d, want 3", got)
	}
}

func TestDeliver_NewCredentialsFetchNewToken(t *testing.T) {
	t.Parallel()
	gs := newGraphServer(t, http.StatusAccepted, "")
	store := newStore(nil)
	tr := gs.transport(store)

	msg := &email.Email{To: []string{"alice@example.com"}, TextBody: "Hi"}
	if err := tr.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("first Deliver: %v", err)
	}

	o := store.Get()
	o.Graph.ClientID = "client-2"
	if err := store.Save(o); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := tr.Deliver(context.Background(), msg); err != nil {
		t.Fatalf("second Deliver: %v", err)
	}

	if got := gs.tokenCalls.Load(); got != 2 {
		t.Errorf("token calls: got %d, want 2", got)
	}
}

func TestDeliver_TokenRejected(t *testing.T) {
	t.Parallel()
	gs := newGraphServer(t, http.StatusAccepted, "")
	tr := gs.transport(newStore(func(o *config.Options) { o.Graph.ClientSecret = "wrong" }))

	err := tr.Deliver(context.Background(), &email.Email{To: []string{"alice@example.com"}})
	var de *transport.DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected *transport.DeliveryError, got %T (%v)", err, err)
	}
	if de.Transient {
		t.Error("a rejected client secret must be permanent")
	}
	if de.StatusCode != http.StatusUnauthorized {
		t.Errorf("StatusCode: got %d, want 401", de.StatusCode)
	}
	if gs.sendCalls.Load() != 0 {
		t.Error("sendMail must not be called without a token")
	}
}

func TestDeliver_SlowTokenEndpointHonoursDeadline(t *testing.T) {
	t.Parallel()

	var sendCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/tenant-1/oauth2/v2.0/token", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(3 * time.Second):
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"late","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/v1.0/users/sender@example.com/sendMail", func(w http.ResponseWriter, r *http.Request) {
		sendCalls.Add(1)
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	store := newStore(func(o *config.Options) {
		o.ConnectionTimeout = 100 * time.Millisecond
		o.ReadTimeout = 100 * time.Millisecond
	})
	tr := newWithOverrides(store, srv.URL, srv.URL+"/%s/oauth2/v2.0/token", srv.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := tr.Deliver(ctx, &email.Email{To: []string{"alice@example.com"}, TextBody: "Hi"})
	elapsed := time.Since(start)

	var de *transport.DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected *transport.DeliveryError, got %T (%v)", err, err)
	}
	if !de.Transient {
		t.Error("a timed out token request must be transient")
	}
	if elapsed > time.Second {
		t.Errorf("Deliver took %v, want it bounded by the delivery deadline", elapsed)
	}
	if sendCalls.Load() != 0 {
		t.Error("sendMail must not be called without a token")
	}
}

func TestDeliver_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		status        int
		body          string
		wantTransient bool
		wantReason    string
	}{
		{"bad request", http.StatusBadRequest, `{"error":{"code":"ErrorInvalidRecipients","message":"Invalid recipients"}}`, false, "Graph API error: Invalid recipients"},
		{"forbidden", http.StatusForbidden, `{"error":{"code":"ErrorAccessDenied","message":"Access is denied"}}`, false, "Graph API error: Access is denied"},
		{"throttled", http.StatusTooManyRequests, `{"error":{"code":"TooManyRequests","message":"slow down"}}`, true, "Graph API error: slow down"},
		{"server error", http.StatusInternalServerError, "oops", true, "Graph API error: oops"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gs := newGraphServer(t, tt.status, tt.body)
			tr := gs.transport(newStore(nil))

			err := tr.Deliver(context.Background(), &email.Email{To: []string{"alice@example.com"}})
			var de *transport.DeliveryError
			if !errors.As(err, &de) {
				t.Fatalf("expected *transport.DeliveryError, got %T", err)
			}
			if de.Transient != tt.wantTransient {
				t.Errorf("Transient: got %v, want %v", de.Transient, tt.wantTransient)
			}
			if de.Reason != tt.wantReason {
				t.Errorf("Reason: got %q, want %q", de.Reason, tt.wantReason)
			}
			if gs.sendCalls.Load() != 1 {
				t.Errorf("send calls: got %d, want exactly 1", gs.sendCalls.Load())
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tr := New(newStore(func(o *config.Options) {
		o.Graph = config.GraphOptions{TenantID: "t"}
	}))

	got := tr.Validate()
	want := []string{"Client ID can not be empty.", "Client Secret can not be empty."}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Validate(): got %v, want %v", got, want)
	}
	if tr.IsConfiguredAndReady() {
		t.Error("IsConfiguredAndReady should be false")
	}
}

func TestEndpointAndBid(t *testing.T) {
	t.Parallel()
	tr := New(newStore(nil))

	if tr.Hostname() != "graph.microsoft.com" || tr.Port() != 443 {
		t.Errorf("endpoint: got %s:%d", tr.Hostname(), tr.Port())
	}
	if bid := tr.ConfigurationBid("graph.microsoft.com", 443, ""); bid.Priority != 8000 {
		t.Errorf("priority: got %d, want 8000", bid.Priority)
	}
	if bid := tr.ConfigurationBid("smtp.office365.com", 587, ""); bid.Priority != 0 {
		t.Errorf("priority for smtp host: got %d, want 0", bid.Priority)
	}
}

func TestBuildSendMailRequest_HTMLBody(t *testing.T) {
	t.Parallel()

	req := buildSendMailRequest(&email.Email{
		To:       []string{"user@example.com"},
		TextBody: "Plain text",
		HTMLBody: "<p>HTML content</p>",
	})

	if req.Message.Body.ContentType != "html" {
		t.Errorf("Body.ContentType: got %q, want %q", req.Message.Body.ContentType, "html")
	}
	if req.Message.Body.Content != "<p>HTML content</p>" {
		t.Errorf("Body.Content: got %q", req.Message.Body.Content)
	}
}

func TestBuildSendMailRequest_WithAttachments(t *testing.T) {
	t.Parallel()

	req := buildSendMailRequest(&email.Email{
		To: []string{"user@example.com"},
		Attachments: []email.Attachment{
			{Filename: "report.pdf", ContentType: "application/pdf", Content: []byte("pdf-content")},
		},
	})

	if len(req.Message.Attachments) != 1 {
		t.Fatalf("Attachments count: got %d, want 1", len(req.Message.Attachments))
	}
	att := req.Message.Attachments[0]
	if att.ODataType != "#microsoft.graph.fileAttachment" {
		t.Errorf("ODataType: got %q", att.ODataType)
	}
	if att.ContentBytes != "cGRmLWNvbnRlbnQ=" {
		t.Errorf("ContentBytes: got %q", att.ContentBytes)
	}
}
