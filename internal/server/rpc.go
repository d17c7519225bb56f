package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/copyleftdev/hpacal/internal/config"
	hpaerrors "github.com/copyleftdev/hpacal/internal/errors"
)

// JSON-RPC 2.0 error codes.
const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcServerError    = -32000
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *rpcError) Error() string { return e.Message }

// decodeParams accepts named parameters or a positional array holding one
// object.
func decodeParams(raw json.RawMessage, v interface{}) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return &rpcError{Code: rpcInvalidParams, Message: "Invalid params", Data: "missing required parameters"}
	}
	if raw[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(raw, &list); err != nil || len(list) != 1 {
			return &rpcError{Code: rpcInvalidParams, Message: "Invalid params", Data: "expected one parameter object"}
		}
		raw = list[0]
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &rpcError{Code: rpcInvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return nil
}

type idParams struct {
	ID string `json:"calibration_id"`
}

func (p idParams) check() error {
	if p.ID == "" {
		return &rpcError{Code: rpcInvalidParams, Message: "Invalid params", Data: "calibration_id is required"}
	}
	return nil
}

// handleJSONRPC handles JSON-RPC 2.0 requests
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var request rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.respondWithError(w, &rpcError{Code: rpcParseError, Message: "Parse error"}, nil)
		return
	}
	if request.JSONRPC != "2.0" || request.Method == "" {
		s.respondWithError(w, &rpcError{Code: rpcInvalidRequest, Message: "Invalid Request"}, request.ID)
		return
	}

	var (
		result interface{}
		err    error
	)
	switch request.Method {
	case "calibration.start":
		result, err = s.rpcStart(request.Params)
	case "calibration.status":
		result, err = s.rpcStatus(request.Params)
	case "calibration.cancel":
		result, err = s.rpcCancel(request.Params)
	case "calibration.list":
		result = s.list()
	default:
		s.respondWithError(w, &rpcError{Code: rpcMethodNotFound, Message: "Method not found"}, request.ID)
		return
	}
	if err != nil {
		s.respondWithError(w, toRPCError(err), request.ID)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      request.ID,
		"result":  result,
	})
}

func toRPCError(err error) *rpcError {
	var re *rpcError
	if errors.As(err, &re) {
		return re
	}
	if hpaerrors.IsInvalidConfig(err) {
		return &rpcError{Code: rpcInvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return &rpcError{Code: rpcServerError, Message: "Server error", Data: err.Error()}
}

func (s *Server) rpcStart(raw json.RawMessage) (interface{}, error) {
	var job config.Job
	if err := decodeParams(raw, &job); err != nil {
		return nil, err
	}
	state, err := s.startCalibration(&job)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"calibration_id": state.ID,
		"status":         StatusPending,
	}, nil
}

func (s *Server) rpcStatus(raw json.RawMessage) (interface{}, error) {
	var p idParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	return s.status(p.ID)
}

func (s *Server) rpcCancel(raw json.RawMessage) (interface{}, error) {
	var p idParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if err := p.check(); err != nil {
		return nil, err
	}
	if err := s.cancelCalibration(p.ID); err != nil {
		return nil, fmt.Errorf("cancel %s: %w", p.ID, err)
	}
	return map[string]interface{}{
		"calibration_id": p.ID,
		"status":         StatusCancelled,
	}, nil
}

// respondWithError sends a JSON-RPC 2.0 error response
func (s *Server) respondWithError(w http.ResponseWriter, e *rpcError, id interface{}) {
	s.logger.Warn("rpc error", map[string]interface{}{
		"code":    e.Code,
		"message": e.Message,
		"data":    e.Data,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": "2.0",
		"error":   e,
		"id":      id,
	})
}
