// Copyright 2026 Datafox Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
// Package protocol implements the JSON-RPC 2.0 layer spoken by the remote
// analytical engine. It defines the request/response envelope, the engine
// error codes, and the method names used by the session layer. The engine
// protocol is session oriented: a document is opened once over a persistent
// connection and then driven by many sequential calls.
package protocol

import (
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the required version string for JSON-RPC 2.0
const JSONRPCVersion = "2.0"

// Engine method names.
const (
	MethodOpenDoc     = "document/open"
	MethodCloseDoc    = "document/close"
	MethodResume      = "session/resume"
	MethodPing        = "session/ping"
	MethodListObjects = "objects/list"
	MethodGetObject   = "objects/get"
)

// Unsolicited notifications the engine pushes to clients.
const (
	NotifySuspended = "session/suspended"
	NotifyClosed    = "session/closed"
)

// Request represents a JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`          // Must be "2.0"
	ID      *int64          `json:"id,omitempty"`     // Nil for notifications
	Method  string          `json:"method"`           // Method name
	Params  json.RawMessage `json:"params,omitempty"` // Method-specific params
}

// IsNotification reports whether the request carries no ID and therefore
// expects no response.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"` // Must match request
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"` // Mutually exclusive with Result
}

// Error represents a JSON-RPC 2.0 error returned by the engine.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes plus engine-specific ones.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// Engine-specific codes (server error range).
	DocNotFound      = -32001
	AccessDenied     = -32002
	SessionSuspended = -32003
	DocLocked        = -32004
)

// NewError creates an Error with optional structured data.
func NewError(code int, message string, data any) *Error {
	e := &Error{Code: code, Message: message}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return e
}

// NewRequest builds a request envelope with marshaled params.
// A nil id produces a notification.
func NewRequest(id *int64, method string, params any) (*Request, error) {
	req := &Request{JSONRPC: JSONRPCVersion, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params for %s: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

// OpenDocParams opens a document session.
type OpenDocParams struct {
	DocumentID string `json:"documentId"`
	NoData     bool   `json:"noData,omitempty"` // Open without loading data (introspection)
}

// OpenDocResult is the engine's answer to document/open.
type OpenDocResult struct {
	SessionID  string `json:"sessionId"`
	DocumentID string `json:"documentId"`
	ReadOnly   bool   `json:"readOnly,omitempty"`
}

// CloseDocParams closes a document session cleanly.
type CloseDocParams struct {
	DocumentID string `json:"documentId"`
}

// ResumeParams resumes a suspended session.
type ResumeParams struct {
	SessionID string `json:"sessionId"`
}

// ListObjectsParams pages through a document's object collection.
type ListObjectsParams struct {
	DocumentID string `json:"documentId"`
	Type       string `json:"type,omitempty"` // Filter by object type
	Offset     int    `json:"offset,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// ObjectRef identifies one object inside a document.
type ObjectRef struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Title string `json:"title,omitempty"`
}

// ItemID returns the object's identifier, used for per-item error reporting
// during batch traversal.
func (o ObjectRef) ItemID() string { return o.ID }

// GetObjectParams fetches one object's full definition.
type GetObjectParams struct {
	DocumentID string `json:"documentId"`
	ObjectID   string `json:"objectId"`
}

// SuspendedParams accompanies a session/suspended notification.
type SuspendedParams struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// ClosedParams accompanies a session/closed notification.
type ClosedParams struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}
