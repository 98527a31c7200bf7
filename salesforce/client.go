// Package salesforce talks to a Salesforce org: SOAP username/password login
// followed by REST describe and SOQL calls. The client is used once per
// extraction and discarded; it never outlives the request that created it.
package salesforce

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mykhaliev/org-promptgen/logger"
	"github.com/mykhaliev/org-promptgen/model"
	"github.com/yalp/jsonpath"
)

const (
	apiVersion     = "v59.0"
	soapAPIVersion = "59.0"

	defaultTimeout = 60 * time.Second
)

// Client is an authenticated Salesforce REST client. Obtain one via Login.
type Client struct {
	httpClient  *http.Client
	instanceURL string
	sessionID   string
}

// loginEnvelope is the SOAP login response shape. Only the fields the client
// needs are mapped.
type loginEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		LoginResponse struct {
			Result struct {
				ServerURL string `xml:"serverUrl"`
				SessionID string `xml:"sessionId"`
			} `xml:"result"`
		} `xml:"loginResponse"`
		Fault struct {
			FaultCode   string `xml:"faultcode"`
			FaultString string `xml:"faultstring"`
		} `xml:"Fault"`
	} `xml:"Body"`
}

// Login authenticates with the SOAP username/password flow and returns a
// client bound to the org's instance URL. The credentials are not retained by
// the returned client. An invalid-credentials fault surfaces Salesforce's own
// rejection message in the AuthenticationError.
func Login(ctx context.Context, creds model.Credentials) (*Client, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("https://%s/services/Soap/u/%s", creds.LoginHost(), soapAPIVersion)
	return login(ctx, &http.Client{Timeout: defaultTimeout}, endpoint, creds)
}

func login(ctx context.Context, httpClient *http.Client, endpoint string, creds model.Credentials) (*Client, error) {
	body := buildLoginBody(creds)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=UTF-8")
	req.Header.Set("SOAPAction", "login")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, &model.ConnectivityError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &model.ConnectivityError{Err: err}
	}

	var envelope loginEnvelope
	if err := xml.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("failed to parse login response: %w", err)
	}

	if fault := envelope.Body.Fault.FaultString; fault != "" {
		return nil, &model.AuthenticationError{Reason: fault}
	}

	result := envelope.Body.LoginResponse.Result
	if result.SessionID == "" || result.ServerURL == "" {
		return nil, fmt.Errorf("login response missing session id or server url")
	}

	serverURL, err := url.Parse(result.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server url %q: %w", result.ServerURL, err)
	}

	logger.Logger.Info("Logged in to Salesforce", "instance", serverURL.Host)

	return &Client{
		httpClient:  httpClient,
		instanceURL: serverURL.Scheme + "://" + serverURL.Host,
		sessionID:   result.SessionID,
	}, nil
}

func buildLoginBody(creds model.Credentials) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	b.WriteString(`<env:Envelope xmlns:env="http://schemas.xmlsoap.org/soap/envelope/" xmlns:urn="urn:partner.soap.sforce.com">`)
	b.WriteString(`<env:Body><urn:login>`)
	b.WriteString("<urn:username>" + xmlEscape(creds.Username) + "</urn:username>")
	b.WriteString("<urn:password>" + xmlEscape(creds.Password+creds.SecurityToken) + "</urn:password>")
	b.WriteString(`</urn:login></env:Body></env:Envelope>`)
	return b.String()
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// GlobalObject is the subset of a global describe entry the extractor needs.
type GlobalObject struct {
	Name         string `json:"name"`
	Label        string `json:"label"`
	Custom       bool   `json:"custom"`
	KeyPrefix    string `json:"keyPrefix"`
	Queryable    bool   `json:"queryable"`
	Retrieveable bool   `json:"retrieveable"`
}

// DescribeGlobal lists every sobject in the org.
func (c *Client) DescribeGlobal(ctx context.Context) ([]GlobalObject, error) {
	data, err := c.get(ctx, "/services/data/"+apiVersion+"/sobjects/")
	if err != nil {
		return nil, err
	}

	var payload struct {
		SObjects []GlobalObject `json:"sobjects"`
	}
	if err := sonic.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse global describe: %w", err)
	}
	return payload.SObjects, nil
}

// objectDescribe is the per-object describe subset the extractor consumes.
type objectDescribe struct {
	Fields []struct {
		Name             string   `json:"name"`
		Label            string   `json:"label"`
		Type             string   `json:"type"`
		Custom           bool     `json:"custom"`
		ReferenceTo      []string `json:"referenceTo"`
		RelationshipName string   `json:"relationshipName"`
		PicklistValues   []struct {
			Value string `json:"value"`
		} `json:"picklistValues"`
	} `json:"fields"`
}

// DescribeObject fetches field metadata for a single object.
func (c *Client) DescribeObject(ctx context.Context, name string) ([]model.FieldDescriptor, error) {
	data, err := c.get(ctx, "/services/data/"+apiVersion+"/sobjects/"+url.PathEscape(name)+"/describe/")
	if err != nil {
		return nil, err
	}

	var describe objectDescribe
	if err := sonic.Unmarshal(data, &describe); err != nil {
		return nil, fmt.Errorf("failed to parse describe for %s: %w", name, err)
	}

	fields := make([]model.FieldDescriptor, 0, len(describe.Fields))
	for _, f := range describe.Fields {
		fd := model.FieldDescriptor{
			Name:             f.Name,
			Label:            f.Label,
			Type:             f.Type,
			Custom:           f.Custom,
			ReferenceTo:      f.ReferenceTo,
			RelationshipName: f.RelationshipName,
		}
		if f.Type == "picklist" || f.Type == "multipicklist" {
			for _, pv := range f.PicklistValues {
				fd.PicklistValues = append(fd.PicklistValues, pv.Value)
			}
		}
		fields = append(fields, fd)
	}
	return fields, nil
}

// Query runs a SOQL query and returns the records as generic maps. Pagination
// is followed through nextRecordsUrl until the result set is complete.
func (c *Client) Query(ctx context.Context, soql string) ([]map[string]any, error) {
	path := "/services/data/" + apiVersion + "/query/?q=" + url.QueryEscape(soql)

	var records []map[string]any
	for path != "" {
		data, err := c.get(ctx, path)
		if err != nil {
			return nil, err
		}

		var payload any
		if err := sonic.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("failed to parse query response: %w", err)
		}

		raw, err := jsonpath.Read(payload, "$.records")
		if err != nil {
			return nil, fmt.Errorf("query response missing records: %w", err)
		}
		rawList, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("query records have unexpected shape")
		}
		for _, r := range rawList {
			if rec, ok := r.(map[string]any); ok {
				records = append(records, rec)
			}
		}

		path = ""
		if next, err := jsonpath.Read(payload, "$.nextRecordsUrl"); err == nil {
			if s, ok := next.(string); ok {
				path = s
			}
		}
	}

	return records, nil
}

// get issues an authenticated GET and maps Salesforce failure modes onto the
// pipeline's error taxonomy.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.instanceURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.sessionID)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &model.ConnectivityError{Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &model.ConnectivityError{Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	return nil, c.mapAPIError(resp.StatusCode, data)
}

// apiError is the standard REST error body: a JSON array of code+message.
type apiError struct {
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode"`
}

func (c *Client) mapAPIError(status int, body []byte) error {
	var apiErrors []apiError
	_ = sonic.Unmarshal(body, &apiErrors)

	message := http.StatusText(status)
	errorCode := ""
	if len(apiErrors) > 0 {
		message = apiErrors[0].Message
		errorCode = apiErrors[0].ErrorCode
	}

	switch {
	case status == http.StatusTooManyRequests || errorCode == "REQUEST_LIMIT_EXCEEDED":
		return &model.QuotaError{Detail: message}
	case status == http.StatusUnauthorized || errorCode == "INVALID_SESSION_ID":
		return &model.AuthenticationError{Reason: message}
	default:
		return fmt.Errorf("salesforce API error %d (%s): %s", status, errorCode, message)
	}
}
