// Package sync implements the change-detecting ingest pipeline: the remote
// source connector, the field mapper, the versioned raw store, and the sync
// command handler that turns source drift into domain events.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/salescommand/backbone/pkg/config"
	"github.com/salescommand/backbone/pkg/errors"
	"github.com/salescommand/backbone/pkg/logger"
	"github.com/salescommand/backbone/pkg/resilience"
)

// Record is a raw source record as returned by the remote system.
type Record map[string]interface{}

// Page is one page of records fetched from the source.
type Page struct {
	Records   []Record
	Next      int
	Exhausted bool
}

// SourceInfo describes the remote server, returned by the version probe.
type SourceInfo struct {
	ServerVersion   string `json:"server_version"`
	ProtocolVersion int    `json:"protocol_version"`
}

// Connector fetches entity pages from the remote source. Implementations are
// stateless across jobs apart from a pooled HTTP client.
type Connector interface {
	Authenticate(ctx context.Context) error
	TestConnection(ctx context.Context) (*SourceInfo, error)
	FetchPage(ctx context.Context, entityType string, cursor int) (*Page, error)
	Close() error
}

// entitySpec binds an entity type to the source model and field list.
type entitySpec struct {
	model  string
	fields []string
	domain []interface{}
	order  string
}

var entitySpecs = map[string]entitySpec{
	EntityUser: {
		model: "hr.employee",
		fields: []string{
			"id", "name", "work_email", "job_title", "user_id",
			"parent_id", "department_id", "create_date", "write_date",
		},
		order: "id asc",
	},
	EntityOpportunity: {
		model: "crm.lead",
		fields: []string{
			"id", "name", "partner_id", "user_id", "team_id",
			"expected_revenue", "probability", "stage_id",
			"date_deadline", "date_closed", "description", "priority",
			"create_date", "write_date",
		},
		order: "id asc",
	},
	EntityAccount: {
		model: "res.partner",
		fields: []string{
			"id", "name", "email", "phone", "mobile",
			"street", "street2", "city", "state_id", "country_id", "zip",
			"website", "company_type", "is_company", "parent_id",
			"create_date", "write_date",
		},
		order: "id asc",
	},
	EntityActivity: {
		model: "mail.activity",
		fields: []string{
			"id", "summary", "note", "activity_type_id", "state",
			"date_deadline", "res_model", "res_id", "user_id",
			"create_date", "write_date",
		},
		order: "id asc",
	},
	EntityInvoice: {
		model: "account.move",
		fields: []string{
			"id", "name", "partner_id", "user_id",
			"amount_total", "amount_residual", "state", "payment_state",
			"invoice_date", "invoice_date_due", "create_date", "write_date",
		},
		domain: []interface{}{
			[]interface{}{"move_type", "in", []interface{}{"out_invoice", "out_refund"}},
		},
		order: "id asc",
	},
}

// OdooConnector talks JSON-RPC 2.0 to an Odoo 16+ instance.
type OdooConnector struct {
	cfg     *config.OdooConfig
	client  *http.Client
	limiter *rate.Limiter
	retry   resilience.RetryConfig
	log     *logger.Logger
	baseURL string
	uid     int64
	// ModifiedWindow, when non-zero, makes fetches incremental: every fetch
	// domain is narrowed to records written within the window. Absence
	// reconciliation must be disabled for incremental fetches.
	ModifiedWindow time.Duration
	// PageSize controls search_read pagination.
	PageSize int
}

// NewOdooConnector creates a connector for the configured Odoo instance.
func NewOdooConnector(cfg *config.OdooConfig, syncCfg *config.SyncConfig, log *logger.Logger) *OdooConnector {
	retry := resilience.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxAttempts = cfg.MaxRetries
	}

	pageSize := 100
	var window time.Duration
	if syncCfg != nil {
		if syncCfg.PageSize > 0 {
			pageSize = syncCfg.PageSize
		}
		window = syncCfg.ModifiedSinceWin
	}

	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 5
	}

	return &OdooConnector{
		cfg:            cfg,
		client:         &http.Client{Timeout: cfg.RequestTimeout},
		limiter:        rate.NewLimiter(rate.Limit(rps), 1),
		retry:          retry,
		log:            log,
		baseURL:        NormalizeURL(cfg.URL),
		ModifiedWindow: window,
		PageSize:       pageSize,
	}
}

// NormalizeURL strips well-known Odoo path suffixes from the base URL.
// e.g. https://example.odoo.com/odoo -> https://example.odoo.com
func NormalizeURL(url string) string {
	url = strings.TrimRight(url, "/")
	for _, suffix := range []string{"/odoo", "/web", "/jsonrpc", "/xmlrpc"} {
		if strings.HasSuffix(strings.ToLower(url), suffix) {
			url = url[:len(url)-len(suffix)]
		}
	}
	return url
}

// JSON-RPC envelope types.

type rpcRequest struct {
	Jsonrpc string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int       `json:"id"`
}

type rpcParams struct {
	Service string        `json:"service"`
	Method  string        `json:"method"`
	Args    []interface{} `json:"args"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) detail() string {
	if len(e.Data) > 0 {
		var data struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(e.Data, &data); err == nil && data.Message != "" {
			return data.Message
		}
	}
	return e.Message
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC request. Transport-level failures and 5xx
// responses are retried with capped exponential backoff; a 401 and a 4xx are
// permanent.
func (c *OdooConnector) call(ctx context.Context, params rpcParams) (json.RawMessage, error) {
	payload, err := json.Marshal(rpcRequest{
		Jsonrpc: "2.0",
		Method:  "call",
		Params:  params,
		ID:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rpc request: %w", err)
	}

	endpoint := c.baseURL + "/jsonrpc"
	var result json.RawMessage

	err = resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return resilience.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return resilience.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeConnection, "cannot reach remote source")
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return resilience.Permanent(errors.New(errors.ErrCodeAuthentication, "remote source refused credentials"))
		case resp.StatusCode >= 500:
			return errors.Newf(errors.ErrCodeSourceRequest, "remote source returned %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return resilience.Permanent(errors.Newf(errors.ErrCodeSourceRequest, "remote source returned %d", resp.StatusCode))
		}

		var rpcResp rpcResponse
		if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
			return errors.Wrap(err, errors.ErrCodeSourceRequest, "invalid rpc response")
		}
		if rpcResp.Error != nil {
			return resilience.Permanent(errors.Newf(errors.ErrCodeSourceRequest, "rpc error: %s", rpcResp.Error.detail()))
		}

		result = rpcResp.Result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Authenticate exchanges credentials for a numeric user id. A `false` result
// means invalid credentials, which is distinct from an explicit rpc error.
func (c *OdooConnector) Authenticate(ctx context.Context) error {
	result, err := c.call(ctx, rpcParams{
		Service: "common",
		Method:  "authenticate",
		Args:    []interface{}{c.cfg.Database, c.cfg.Username, c.cfg.APIKey, map[string]interface{}{}},
	})
	if err != nil {
		return err
	}

	var uid interface{}
	if err := json.Unmarshal(result, &uid); err != nil {
		return errors.Wrap(err, errors.ErrCodeSourceRequest, "invalid authenticate response")
	}

	switch v := uid.(type) {
	case float64:
		c.uid = int64(v)
	case bool:
		// The server answers `false` for bad credentials.
		return errors.New(errors.ErrCodeAuthentication, "invalid credentials")
	default:
		return errors.Newf(errors.ErrCodeAuthentication, "unexpected authenticate result %T", uid)
	}

	c.log.Info().Int64("uid", c.uid).Msg("Authenticated with remote source")
	return nil
}

// TestConnection probes the server version without authenticating.
func (c *OdooConnector) TestConnection(ctx context.Context) (*SourceInfo, error) {
	result, err := c.call(ctx, rpcParams{
		Service: "common",
		Method:  "version",
		Args:    []interface{}{},
	})
	if err != nil {
		return nil, err
	}

	var info SourceInfo
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSourceRequest, "invalid version response")
	}
	return &info, nil
}

// executeKw invokes a model method bound to the authenticated uid.
func (c *OdooConnector) executeKw(ctx context.Context, model, method string, args []interface{}, kwargs map[string]interface{}) (json.RawMessage, error) {
	if c.uid == 0 {
		return nil, errors.New(errors.ErrCodeAuthentication, "not authenticated")
	}
	if kwargs == nil {
		kwargs = map[string]interface{}{}
	}

	return c.call(ctx, rpcParams{
		Service: "object",
		Method:  "execute_kw",
		Args: []interface{}{
			c.cfg.Database, c.uid, c.cfg.APIKey,
			model, method, args, kwargs,
		},
	})
}

// FetchPage fetches one page of records for the entity type. The cursor is a
// record offset; Exhausted is set when the source returned a short page.
func (c *OdooConnector) FetchPage(ctx context.Context, entityType string, cursor int) (*Page, error) {
	spec, ok := entitySpecs[entityType]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeValidation, "unknown entity type %q", entityType)
	}

	domain := make([]interface{}, 0, len(spec.domain)+1)
	domain = append(domain, spec.domain...)
	if c.ModifiedWindow > 0 {
		since := time.Now().UTC().Add(-c.ModifiedWindow)
		domain = append(domain, []interface{}{"write_date", ">=", since.Format("2006-01-02 15:04:05")})
	}

	kwargs := map[string]interface{}{
		"fields": spec.fields,
		"offset": cursor,
		"limit":  c.PageSize,
		"order":  spec.order,
	}

	result, err := c.executeKw(ctx, spec.model, "search_read", []interface{}{domain}, kwargs)
	if err != nil {
		return nil, err
	}

	var records []Record
	if err := json.Unmarshal(result, &records); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSourceRequest, "invalid search_read response")
	}

	return &Page{
		Records:   records,
		Next:      cursor + len(records),
		Exhausted: len(records) < c.PageSize,
	}, nil
}

// Close releases the pooled HTTP client.
func (c *OdooConnector) Close() error {
	c.client.CloseIdleConnections()
	c.uid = 0
	return nil
}
