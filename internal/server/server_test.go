package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"vaultline/internal/config"
	"vaultline/internal/db"
	"vaultline/internal/domain"
	"vaultline/internal/engine"
	"vaultline/internal/migrate"
	"vaultline/internal/signatures"
)

const testJWTSecret = "test-jwt-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("custody-1")
	e := engine.New(conn, cfg)
	ctx := context.Background()
	if _, err := e.CreateAccount(ctx, domain.Account{
		ID: "acct-1", Name: "treasury", RequiredSignatures: 2, Balance: 10_000_000,
	}, "owner-1"); err != nil {
		t.Fatalf("create account: %v", err)
	}
	for _, signer := range []string{"sig-1", "sig-2"} {
		if err := e.GrantRole(ctx, "acct-1", signer, domain.RoleSigner, "owner-1"); err != nil {
			t.Fatalf("grant signer: %v", err)
		}
	}
	handler, err := New(Config{
		Engine: e,
		Auth:   AuthConfig{JWTSecret: testJWTSecret, AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(actorID string) map[string]string {
	return map[string]string{"X-Actor-Id": actorID}
}

func proofHeaderFor(srv *testServer, signerID, operationID string) string {
	return signatures.Proof([]byte(srv.Engine.Config.Policy.Signatures.ProofKey), signerID, operationID)
}

func TestOperationPipelineOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/operations", map[string]any{
		"account_id":  "acct-1",
		"amount":      5000,
		"currency":    "USD",
		"destination": "acct:dest-1",
	}, asActor("owner-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var op OperationResponse
	if err := json.Unmarshal(data, &op); err != nil {
		t.Fatalf("unmarshal operation: %v", err)
	}
	if op.Stage != string(domain.StageAwaitingSignatures) {
		t.Fatalf("expected awaiting_signatures after submit, got %s", op.Stage)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/operations/"+op.ID+"/signatures", map[string]any{
		"proof": proofHeaderFor(srv, "sig-1", op.ID),
	}, asActor("sig-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first signature status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/operations/"+op.ID+"/signatures", map[string]any{
		"proof": proofHeaderFor(srv, "sig-2", op.ID),
	}, asActor("sig-2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second signature status %d: %s", res.StatusCode, string(data))
	}
	var done OperationResponse
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal done: %v", err)
	}
	if done.Stage != string(domain.StageCompleted) {
		t.Fatalf("expected completed, got %s", done.Stage)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit/events?correlation_id="+op.CorrelationID, nil, asActor("aud-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit events status %d: %s", res.StatusCode, string(data))
	}
	var events []AuditEventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) == 0 {
		t.Fatalf("expected audit trail for %s", op.CorrelationID)
	}
	for _, evt := range events {
		if evt.ActorHash == "owner-1" || evt.ActorHash == "sig-1" {
			t.Fatalf("raw actor id leaked into audit trail: %+v", evt)
		}
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit/verify", nil, asActor("aud-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify status %d: %s", res.StatusCode, string(data))
	}
}

func TestBadProofReturnsBadRequest(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/operations", map[string]any{
		"account_id":  "acct-1",
		"amount":      5000,
		"currency":    "USD",
		"destination": "acct:dest-1",
	}, asActor("owner-1"))
	var op OperationResponse
	_ = json.Unmarshal(data, &op)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/operations/"+op.ID+"/signatures", map[string]any{
		"proof": "wrong",
	}, asActor("sig-1"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("expected bad_request code, got %q", envelope.Error.Code)
	}
}

func TestCancelAfterTerminalConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/operations", map[string]any{
		"account_id":  "acct-1",
		"amount":      5000,
		"currency":    "USD",
		"destination": "acct:dest-1",
	}, asActor("owner-1"))
	var op OperationResponse
	_ = json.Unmarshal(data, &op)

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/operations/"+op.ID+"/cancel", map[string]any{
		"reason": "fat finger",
	}, asActor("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/operations/"+op.ID+"/cancel", nil, asActor("owner-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict on second cancel, got %d: %s", res.StatusCode, string(body))
	}
}

func TestFrozenAccountPolicyViolation(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/accounts/acct-1/freeze", map[string]any{
		"reason": "audit hold",
	}, asActor("owner-1"))
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("freeze status %d: %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/operations", map[string]any{
		"account_id":  "acct-1",
		"amount":      5000,
		"currency":    "USD",
		"destination": "acct:dest-1",
	}, asActor("owner-1"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 on frozen account, got %d: %s", res.StatusCode, string(body))
	}
}

func TestAccountDetailListsSigners(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/accounts/acct-1", nil, asActor("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get account: %d %s", res.StatusCode, string(body))
	}
	var detail AccountDetailResponse
	if err := json.Unmarshal(body, &detail); err != nil {
		t.Fatalf("unmarshal account: %v", err)
	}
	if detail.ID != "acct-1" || detail.Balance != 10_000_000 {
		t.Fatalf("unexpected account: %+v", detail.Account)
	}
	if len(detail.Signers) != 2 || detail.Signers[0] != "sig-1" || detail.Signers[1] != "sig-2" {
		t.Fatalf("expected signer set [sig-1 sig-2], got %v", detail.Signers)
	}
}

func TestPumpDrivesPendingOperations(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	st, err := srv.Engine.Submit(context.Background(), engine.SubmitOptions{
		AccountID: "acct-1", Amount: 5000, Currency: "USD", Destination: "acct:dest-1", ActorID: "owner-1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	pumpOnce(srv.Engine)
	got, err := srv.Engine.Store.GetOperation(context.Background(), st.Request.ID)
	if err != nil {
		t.Fatalf("get operation: %v", err)
	}
	if got.Stage != domain.StageAwaitingSignatures {
		t.Fatalf("expected pump to drive to awaiting_signatures, got %s", got.Stage)
	}
}

func TestAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// no credentials
	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/operations", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res.StatusCode)
	}

	// signed JWT
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "owner-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/operations", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("jwt auth failed: %d %s", res.StatusCode, string(body))
	}

	// tampered JWT
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/operations", nil, map[string]string{
		"Authorization": "Bearer " + signed + "x",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for tampered token, got %d", res.StatusCode)
	}

	// API key round trip
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"actor_id": "owner-1",
		"name":     "ci",
	}, asActor("owner-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key: %d %s", res.StatusCode, string(body))
	}
	var created APIKeyResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("unmarshal api key: %v", err)
	}
	if created.Key == "" {
		t.Fatalf("raw key must be returned once on creation")
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/operations", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth failed: %d %s", res.StatusCode, string(body))
	}
	// listing never echoes raw keys
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/apikeys", nil, asActor("owner-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list api keys: %d %s", res.StatusCode, string(body))
	}
	var listed []APIKeyResponse
	_ = json.Unmarshal(body, &listed)
	for _, k := range listed {
		if k.Key != "" {
			t.Fatalf("raw key leaked from listing")
		}
	}

	// deleting twice: the second hits nothing and says so
	res, body = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/apikeys/"+created.ID, nil, asActor("owner-1"))
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete api key: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/apikeys/"+created.ID, nil, asActor("owner-1"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 deleting a missing key, got %d: %s", res.StatusCode, string(body))
	}
}
