// Package discovery implements the contract discovery adapter: an HTTP
// client for a server's list_contracts/extended_info
// endpoints, with JSON-schema response validation. Discovery is
// explicitly non-fatal: any failure — network, malformed JSON, schema
// mismatch — degrades to the caller's static fallback list rather than
// propagating, since discovery only ever narrows a menu the operator can
// also populate by hand with a contract reference flag.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.dmint.dev/miner/types"
)

// RequestTimeout bounds a single discovery HTTP round trip.
const RequestTimeout = 10 * time.Second

const listContractsSchemaJSON = `{
  "type": "object",
  "required": ["contracts"],
  "properties": {
    "contracts": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["txid", "vout"],
        "properties": {
          "txid": {"type": "string", "minLength": 64, "maxLength": 64},
          "vout": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

const extendedInfoSchemaJSON = `{
  "type": "object",
  "required": ["metadata"],
  "properties": {
    "metadata": {"type": "string"},
    "height": {"type": "integer", "minimum": 0},
    "location_txid": {"type": "string"},
    "location_vout": {"type": "integer", "minimum": 0}
  }
}`

var (
	listContractsSchema = mustCompile("list_contracts.schema.json", listContractsSchemaJSON)
	extendedInfoSchema  = mustCompile("extended_info.schema.json", extendedInfoSchemaJSON)
)

func mustCompile(url, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader([]byte(schema))); err != nil {
		panic(fmt.Sprintf("discovery: compiling %s: %v", url, err))
	}
	return c.MustCompile(url)
}

// Summary is one entry of a list_contracts response.
type Summary struct {
	Ref types.Ref
}

// ExtendedInfo is an extended_info response: the raw CBOR metadata blob
// (decoded by the metadata package) plus the contract's current location.
type ExtendedInfo struct {
	MetadataCBOR []byte
	Location     types.Location
	Height       uint64
}

// Client discovers contracts advertised by a discovery server.
type Client interface {
	ListContracts(ctx context.Context) ([]Summary, error)
	ExtendedInfo(ctx context.Context, ref types.Ref) (ExtendedInfo, error)
}

// HTTPClient is a Client backed by a discovery server's HTTP API
// (On-wire chain RPCs... HTTP-based contract discovery).
type HTTPClient struct {
	BaseURL string
	HTTP    *http.Client
}

// NewHTTPClient returns an HTTPClient against baseURL, using a client with
// RequestTimeout if httpClient is nil.
func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: RequestTimeout}
	}
	return &HTTPClient{BaseURL: baseURL, HTTP: httpClient}
}

type listContractsResponse struct {
	Contracts []struct {
		TxID string `json:"txid"`
		Vout uint32 `json:"vout"`
	} `json:"contracts"`
}

// ListContracts fetches and validates the server's list_contracts
// response. Any error — transport, decode, or schema — is returned to the
// caller, whichH must treat it as non-fatal and fall back
// to a static list rather than aborting startup.
func (c *HTTPClient) ListContracts(ctx context.Context) ([]Summary, error) {
	body, err := c.get(ctx, "/list_contracts")
	if err != nil {
		return nil, err
	}
	if err := validate(listContractsSchema, body); err != nil {
		return nil, fmt.Errorf("discovery: list_contracts: %w", err)
	}
	var resp listContractsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("discovery: decoding list_contracts: %w", err)
	}
	out := make([]Summary, 0, len(resp.Contracts))
	for _, item := range resp.Contracts {
		var txid types.TxID
		if err := txid.UnmarshalText([]byte(item.TxID)); err != nil {
			return nil, fmt.Errorf("discovery: invalid txid %q: %w", item.TxID, err)
		}
		out = append(out, Summary{Ref: types.Ref{TxID: txid, Vout: item.Vout}})
	}
	return out, nil
}

type extendedInfoResponse struct {
	Metadata     string `json:"metadata"`
	Height       uint64 `json:"height"`
	LocationTxID string `json:"location_txid"`
	LocationVout uint32 `json:"location_vout"`
}

// ExtendedInfo fetches and validates the server's extended_info response
// for ref.
func (c *HTTPClient) ExtendedInfo(ctx context.Context, ref types.Ref) (ExtendedInfo, error) {
	path := fmt.Sprintf("/extended_info?txid=%s&vout=%d", ref.TxID, ref.Vout)
	body, err := c.get(ctx, path)
	if err != nil {
		return ExtendedInfo{}, err
	}
	if err := validate(extendedInfoSchema, body); err != nil {
		return ExtendedInfo{}, fmt.Errorf("discovery: extended_info: %w", err)
	}
	var resp extendedInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return ExtendedInfo{}, fmt.Errorf("discovery: decoding extended_info: %w", err)
	}
	info := ExtendedInfo{MetadataCBOR: []byte(resp.Metadata), Height: resp.Height}
	if resp.LocationTxID != "" {
		var txid types.TxID
		if err := txid.UnmarshalText([]byte(resp.LocationTxID)); err != nil {
			return ExtendedInfo{}, fmt.Errorf("discovery: invalid location txid: %w", err)
		}
		info.Location = types.Location{TxID: txid, Vout: resp.LocationVout}
	}
	return info, nil
}

func (c *HTTPClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: building request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("discovery: requesting %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("discovery: %s: unexpected status %d", path, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("discovery: reading response body: %w", err)
	}
	return body, nil
}

func validate(schema *jsonschema.Schema, body []byte) error {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return fmt.Errorf("decoding json: %w", err)
	}
	return schema.Validate(v)
}
