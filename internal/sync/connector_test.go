package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/salescommand/backbone/pkg/config"
	"github.com/salescommand/backbone/pkg/errors"
	"github.com/salescommand/backbone/pkg/logger"
	"github.com/salescommand/backbone/pkg/resilience"
	"github.com/salescommand/backbone/pkg/testing/helpers"
)

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"https://example.odoo.com/odoo":    "https://example.odoo.com",
		"https://example.odoo.com/web":     "https://example.odoo.com",
		"https://example.odoo.com/jsonrpc": "https://example.odoo.com",
		"https://example.odoo.com/":        "https://example.odoo.com",
		"https://example.odoo.com":         "https://example.odoo.com",
		"https://example.odoo.com/Odoo":    "https://example.odoo.com",
		"http://localhost:8069":            "http://localhost:8069",
	}

	for in, want := range cases {
		helpers.AssertEqual(t, want, NormalizeURL(in), "input %s", in)
	}
}

// testConnector builds a connector against a test server with fast retries.
func testConnector(serverURL string) *OdooConnector {
	return &OdooConnector{
		cfg: &config.OdooConfig{
			URL:      serverURL,
			Database: "testdb",
			Username: "tester",
			APIKey:   "key",
		},
		client:  &http.Client{Timeout: 5 * time.Second},
		limiter: rate.NewLimiter(rate.Inf, 1),
		retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
			Multiplier:   2,
		},
		log:      logger.Global(),
		baseURL:  NormalizeURL(serverURL),
		PageSize: 2,
	}
}

func rpcResult(w http.ResponseWriter, result interface{}) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"result":  result,
	})
}

func TestAuthenticateSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		helpers.AssertEqual(t, "/jsonrpc", r.URL.Path)

		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		helpers.AssertEqual(t, "common", req.Params.Service)
		helpers.AssertEqual(t, "authenticate", req.Params.Method)

		rpcResult(w, 42)
	}))
	defer server.Close()

	c := testConnector(server.URL)
	err := c.Authenticate(context.Background())
	helpers.AssertNoError(t, err)
	helpers.AssertEqual(t, int64(42), c.uid)
}

func TestAuthenticateInvalidCredentials(t *testing.T) {
	// uid=false is the source's invalid-credentials answer, distinct from an
	// explicit rpc error.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rpcResult(w, false)
	}))
	defer server.Close()

	c := testConnector(server.URL)
	err := c.Authenticate(context.Background())
	helpers.AssertError(t, err)
	helpers.AssertTrue(t, errors.Is(err, errors.ErrCodeAuthentication))
}

func TestAuthenticateRPCError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"error": map[string]interface{}{
				"code":    200,
				"message": "Odoo Server Error",
				"data":    map[string]interface{}{"message": "database does not exist"},
			},
		})
	}))
	defer server.Close()

	c := testConnector(server.URL)
	err := c.Authenticate(context.Background())
	helpers.AssertError(t, err)
	helpers.AssertTrue(t, errors.Is(err, errors.ErrCodeSourceRequest))
}

func TestUnauthorizedIsTerminal(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	c := testConnector(server.URL)
	err := c.Authenticate(context.Background())
	helpers.AssertError(t, err)
	helpers.AssertTrue(t, errors.Is(err, errors.ErrCodeAuthentication))
	helpers.AssertEqual(t, int64(1), atomic.LoadInt64(&hits), "401 is not retried")
}

func TestServerErrorIsRetried(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&hits, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		rpcResult(w, 42)
	}))
	defer server.Close()

	c := testConnector(server.URL)
	err := c.Authenticate(context.Background())
	helpers.AssertNoError(t, err)
	helpers.AssertEqual(t, int64(3), atomic.LoadInt64(&hits), "two 500s then success")
}

func TestServerErrorExhaustsRetries(t *testing.T) {
	var hits int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := testConnector(server.URL)
	err := c.Authenticate(context.Background())
	helpers.AssertError(t, err)
	helpers.AssertEqual(t, int64(3), atomic.LoadInt64(&hits))
}

func TestFetchPagePagination(t *testing.T) {
	records := []map[string]interface{}{
		{"id": 1, "name": "A"},
		{"id": 2, "name": "B"},
		{"id": 3, "name": "C"},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)

		if req.Params.Service == "common" {
			rpcResult(w, 42)
			return
		}

		helpers.AssertEqual(t, "object", req.Params.Service)
		helpers.AssertEqual(t, "execute_kw", req.Params.Method)
		helpers.AssertEqual(t, "crm.lead", req.Params.Args[3])

		kwargs := req.Params.Args[6].(map[string]interface{})
		offset := int(kwargs["offset"].(float64))
		limit := int(kwargs["limit"].(float64))

		end := offset + limit
		if end > len(records) {
			end = len(records)
		}
		if offset > len(records) {
			offset = len(records)
		}
		rpcResult(w, records[offset:end])
	}))
	defer server.Close()

	c := testConnector(server.URL)
	helpers.AssertNoError(t, c.Authenticate(context.Background()))

	page, err := c.FetchPage(context.Background(), EntityOpportunity, 0)
	helpers.AssertNoError(t, err)
	helpers.AssertEqual(t, 2, len(page.Records))
	helpers.AssertEqual(t, 2, page.Next)
	helpers.AssertEqual(t, false, page.Exhausted)

	page, err = c.FetchPage(context.Background(), EntityOpportunity, page.Next)
	helpers.AssertNoError(t, err)
	helpers.AssertEqual(t, 1, len(page.Records))
	helpers.AssertEqual(t, true, page.Exhausted, "short page ends pagination")
}

func TestFetchPageRequiresAuthentication(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rpcResult(w, []map[string]interface{}{})
	}))
	defer server.Close()

	c := testConnector(server.URL)
	_, err := c.FetchPage(context.Background(), EntityOpportunity, 0)
	helpers.AssertError(t, err)
	helpers.AssertTrue(t, errors.Is(err, errors.ErrCodeAuthentication))
}

func TestFetchPageUnknownEntity(t *testing.T) {
	c := testConnector("http://localhost:1")
	c.uid = 42
	_, err := c.FetchPage(context.Background(), "widget", 0)
	helpers.AssertError(t, err)
	helpers.AssertTrue(t, errors.Is(err, errors.ErrCodeValidation))
}

func TestTestConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rpcResult(w, map[string]interface{}{
			"server_version":   "17.0",
			"protocol_version": 1,
		})
	}))
	defer server.Close()

	c := testConnector(server.URL)
	info, err := c.TestConnection(context.Background())
	helpers.AssertNoError(t, err)
	helpers.AssertEqual(t, "17.0", info.ServerVersion)
}
