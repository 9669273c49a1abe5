package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const testGensig = "0a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f9"

func mockBurstServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/burst" {
			t.Errorf("path = %s, want /burst", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGetMiningInfo(t *testing.T) {
	srv := mockBurstServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Query().Get("requestType") != "getMiningInfo" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
		fmt.Fprintf(w, `{"height":"502311","baseTarget":"70312","generationSignature":"%s","targetDeadline":31536000}`, testGensig)
	})

	client := NewPoolClient(srv.URL, "", "", 5*time.Second)
	info, err := client.GetMiningInfo(context.Background())
	if err != nil {
		t.Fatalf("GetMiningInfo() error = %v", err)
	}
	if info.Height != 502311 || info.BaseTarget != 70312 || info.TargetDeadline != 31536000 {
		t.Errorf("info = %+v", info)
	}
	if info.Gensig[0] != 0x0a || info.Gensig[31] != 0xf9 {
		t.Errorf("gensig = %x", info.Gensig)
	}
	if !client.IsHealthy() {
		t.Error("client should be healthy")
	}
}

func TestGetMiningInfoNumericFields(t *testing.T) {
	srv := mockBurstServer(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"height":7,"baseTarget":9,"generationSignature":"%s"}`, strings.ToUpper(testGensig))
	})

	info, err := NewPoolClient(srv.URL, "", "", time.Second).GetMiningInfo(context.Background())
	if err != nil {
		t.Fatalf("GetMiningInfo() error = %v", err)
	}
	if info.Height != 7 || info.BaseTarget != 9 || info.TargetDeadline != 0 {
		t.Errorf("info = %+v", info)
	}
	if info.GenerationSignature != testGensig {
		t.Errorf("gensig = %s", info.GenerationSignature)
	}
}

func TestGetMiningInfoErrors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		status    int
		malformed bool
	}{
		{"not json", `<html>`, 200, true},
		{"bad gensig", `{"height":"1","baseTarget":"1","generationSignature":"xyz"}`, 200, true},
		{"missing height", fmt.Sprintf(`{"baseTarget":"1","generationSignature":"%s"}`, testGensig), 200, true},
		{"bad number", `{"height":"-1"}`, 200, true},
		{"server error", fmt.Sprintf(`{"height":"1","generationSignature":"%s"}`, testGensig), 500, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := mockBurstServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			_, err := NewPoolClient(srv.URL, "", "", time.Second).GetMiningInfo(context.Background())
			if err == nil {
				t.Fatal("expected an error")
			}
			if tt.malformed != errors.Is(err, ErrMalformedResponse) {
				t.Errorf("error = %v, malformed = %v", err, tt.malformed)
			}
		})
	}
}

func TestGetMiningInfoPoolError(t *testing.T) {
	srv := mockBurstServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errorCode":3,"errorDescription":"no mining info"}`))
	})

	_, err := NewPoolClient(srv.URL, "", "", time.Second).GetMiningInfo(context.Background())
	var pe *PoolError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *PoolError", err)
	}
	if pe.Code != "3" || pe.Description != "no mining info" {
		t.Errorf("PoolError = %+v", pe)
	}
}

func TestClientHealthTracking(t *testing.T) {
	client := NewPoolClient("http://127.0.0.1:1", "", "", 100*time.Millisecond)
	for i := 0; i < 2; i++ {
		client.GetMiningInfo(context.Background())
	}
	if !client.IsHealthy() {
		t.Error("client should stay healthy below 3 failures")
	}
	client.GetMiningInfo(context.Background())
	if client.IsHealthy() {
		t.Error("client should be unhealthy after 3 failures")
	}

	client.recordSuccess()
	if !client.IsHealthy() {
		t.Error("a success should restore health")
	}
}

func TestMiningInfoURL(t *testing.T) {
	var hits atomic.Int32
	info := mockBurstServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprintf(w, `{"height":"1","baseTarget":"1","generationSignature":"%s"}`, testGensig)
	})

	client := NewPoolClient("http://127.0.0.1:1", info.URL+"/", "", time.Second)
	if _, err := client.GetMiningInfo(context.Background()); err != nil {
		t.Fatalf("GetMiningInfo() error = %v", err)
	}
	if hits.Load() != 1 {
		t.Error("mining info should use its own URL")
	}
}

func TestSubmitNonce(t *testing.T) {
	srv := mockBurstServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.Method != http.MethodPost || q.Get("requestType") != "submitNonce" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL)
		}
		if q.Get("nonce") != "18446744073709551615" || q.Get("accountId") != "12345" {
			t.Errorf("query = %v", q)
		}
		if q.Get("secretPhrase") != "open sesame" {
			t.Errorf("secretPhrase = %q", q.Get("secretPhrase"))
		}
		w.Write([]byte(`{"deadline":4711,"result":"success"}`))
	})

	client := NewPoolClient(srv.URL, "", "open sesame", time.Second)
	pending, err := client.SendSubmitNonce(context.Background(), 12345, ^uint64(0), time.Second)
	if err != nil {
		t.Fatalf("SendSubmitNonce() error = %v", err)
	}
	defer pending.Close()

	deadline, err := pending.Receive(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if deadline != 4711 {
		t.Errorf("deadline = %d, want 4711", deadline)
	}
}

func TestSubmitNonceNoPassphrase(t *testing.T) {
	srv := mockBurstServer(t, func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.URL.Query()["secretPhrase"]; ok {
			t.Error("secretPhrase sent without a passphrase")
		}
		w.Write([]byte(`{"deadline":"12"}`))
	})

	pending, err := NewPoolClient(srv.URL, "", "", time.Second).SendSubmitNonce(context.Background(), 1, 2, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if d, err := pending.Receive(context.Background(), time.Second); err != nil || d != 12 {
		t.Errorf("Receive() = %d, %v", d, err)
	}
}

func TestSubmitNonceResponses(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantPool  bool
		malformed bool
	}{
		{"rejected", `{"errorCode":"1004","errorDescription":"deadline exceeds limit"}`, true, false},
		{"opaque result", `{"result":"failure"}`, true, false},
		{"empty object", `{}`, false, true},
		{"not json", `oops`, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := mockBurstServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			})
			pending, err := NewPoolClient(srv.URL, "", "", time.Second).SendSubmitNonce(context.Background(), 1, 1, time.Second)
			if err != nil {
				t.Fatal(err)
			}
			_, err = pending.Receive(context.Background(), time.Second)
			var pe *PoolError
			if tt.wantPool != errors.As(err, &pe) {
				t.Errorf("error = %v, want PoolError = %v", err, tt.wantPool)
			}
			if tt.malformed != errors.Is(err, ErrMalformedResponse) {
				t.Errorf("error = %v, want malformed = %v", err, tt.malformed)
			}
		})
	}
}

func TestReceiveTimeoutCanBeRetried(t *testing.T) {
	release := make(chan struct{})
	srv := mockBurstServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Write([]byte(`{"deadline":99}`))
	})
	defer close(release)

	pending, err := NewPoolClient(srv.URL, "", "", time.Second).SendSubmitNonce(context.Background(), 1, 1, time.Second)
	if err != nil {
		t.Fatalf("SendSubmitNonce() error = %v", err)
	}
	defer pending.Close()

	if _, err := pending.Receive(context.Background(), 20*time.Millisecond); !errors.Is(err, ErrReceiveTimeout) {
		t.Fatalf("Receive() error = %v, want ErrReceiveTimeout", err)
	}

	release <- struct{}{}
	d, err := pending.Receive(context.Background(), time.Second)
	if err != nil || d != 99 {
		t.Errorf("second Receive() = %d, %v", d, err)
	}
}

func TestSendTimeout(t *testing.T) {
	client := NewPoolClient("http://pool.invalid:8124", "", "", time.Second)
	// The dial hangs until the request is cancelled.
	client.client.Transport = &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	start := time.Now()
	pending, err := client.SendSubmitNonce(context.Background(), 1, 1, 30*time.Millisecond)
	if !errors.Is(err, ErrSendTimeout) || pending != nil {
		t.Fatalf("SendSubmitNonce() = %v, %v, want ErrSendTimeout", pending, err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("send took %v, should be bounded by the send timeout", time.Since(start))
	}
}

func TestUint64Unmarshal(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{`"123"`, 123, false},
		{`123`, 123, false},
		{`""`, 0, false},
		{`null`, 0, false},
		{`"18446744073709551615"`, 18446744073709551615, false},
		{`"abc"`, 0, true},
		{`-5`, 0, true},
	}

	for _, tt := range tests {
		var u Uint64
		err := u.UnmarshalJSON([]byte(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("UnmarshalJSON(%s) error = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && uint64(u) != tt.want {
			t.Errorf("UnmarshalJSON(%s) = %d, want %d", tt.in, u, tt.want)
		}
	}
}
