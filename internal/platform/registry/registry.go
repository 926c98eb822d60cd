// Package registry queries the external credential registries: the national
// medical council (doctor licenses) and the health facility registry
// (hospital ids). Each provider's response shape is translated into Match here
// so the rest of the system never sees provider-specific field names.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrNotFound means the registry answered but has no record.
	ErrNotFound = errors.New("registry: no matching record")
	// ErrNotConfigured means the provider has no credentials and was not called.
	ErrNotConfigured = errors.New("registry: provider not configured")
)

const (
	DefaultTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20
	userAgent      = "medportal-verification/1.0"
)

// Match is a normalized positive registry answer.
type Match struct {
	Valid              bool
	Name               string
	CredentialType     string
	Jurisdiction       string
	StatusText         string
	RegistrationNumber string
	Extra              map[string]interface{}
	// AlternateIdentifiers carries ids the provider knows the subject by,
	// e.g. abdmFacilityId.
	AlternateIdentifiers map[string]string
	RawPayload           json.RawMessage
}

// Client looks up one identifier. Implementations make a single bounded
// request and never retry.
type Client interface {
	// Channel names the provider in the verification attempt trail.
	Channel() string
	Lookup(ctx context.Context, identifier string) (*Match, error)
}

// httpGetJSON performs the GET and returns the first record of the body, which
// may be a JSON object or an array of objects. Non-2xx, empty bodies, null and
// [] are all ErrNotFound.
func httpGetJSON(ctx context.Context, hc *http.Client, timeout time.Duration, url string, header http.Header) (map[string]interface{}, json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("GET %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("read body: %w", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 || string(body) == "null" {
		return nil, nil, ErrNotFound
	}

	var raw json.RawMessage = body
	if body[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(body, &list); err != nil {
			return nil, nil, fmt.Errorf("decode registry response: %w", err)
		}
		if len(list) == 0 {
			return nil, nil, ErrNotFound
		}
		raw = list[0]
	}

	var record map[string]interface{}
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, nil, fmt.Errorf("decode registry record: %w", err)
	}
	if len(record) == 0 {
		return nil, nil, ErrNotFound
	}
	return record, raw, nil
}

// str returns the first non-empty string value among keys.
func str(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
