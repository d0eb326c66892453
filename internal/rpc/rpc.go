// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package rpc serves the JSON-RPC 2.0 administration interface of the
// daemon. Devices are created, deleted and listed with calls posted to the
// root path. The Prometheus metrics are served on /metrics of the same
// handler.
package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/ofsbd/ofsbd/internal/ofsbd"
)

const version = "2.0"

// Upper bound of a request body.
const maxBodySize = 1 << 20

// Standard JSON-RPC error codes and the code of all device errors.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeDeviceError    = -32000
)

type Request struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type Response struct {
	Version string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

type handlerFunc func(r *http.Request, params json.RawMessage) (any, error)

// Server dispatches calls to the device registry.
type Server struct {
	registry *ofsbd.Registry
	methods  map[string]handlerFunc
}

func New(registry *ofsbd.Registry) *Server {
	s := &Server{registry: registry}
	s.methods = map[string]handlerFunc{
		"bdev_ofs_create":    s.create,
		"bdev_ofs_delete":    s.delete,
		"bdev_ofs_get_count": s.count,
		"bdev_ofs_get_bdevs": s.bdevs,
		"save_config":        s.saveConfig,
	}

	return s
}

// Handler returns the mux with the JSON-RPC endpoint and the metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.serveRPC)
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !json.Valid(body) {
		writeResponse(w, Response{Error: &Error{Code: CodeParseError, Message: "parse error"}})
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil || req.Version != version || req.Method == "" {
		writeResponse(w, Response{Error: &Error{Code: CodeInvalidRequest, Message: "invalid request"}, ID: req.ID})
		return
	}

	began := time.Now()
	result, err := s.call(r, req)
	log.Debug().Str("method", req.Method).Dur("took", time.Since(began)).Err(err).Msg("RPC call.")

	// Notifications get no response.
	if len(req.ID) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := Response{ID: req.ID, Result: result}
	if err != nil {
		resp.Result = nil
		resp.Error = toError(err)
	}

	writeResponse(w, resp)
}

func (s *Server) call(r *http.Request, req Request) (any, error) {
	h, ok := s.methods[req.Method]
	if !ok {
		return nil, &Error{Code: CodeMethodNotFound, Message: "method not found", Data: req.Method}
	}

	return h(r, req.Params)
}

func writeResponse(w http.ResponseWriter, resp Response) {
	resp.Version = version
	if resp.ID == nil {
		resp.ID = json.RawMessage("null")
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warn().Err(err).Msg("Writing RPC response failed.")
	}
}

// Device errors are reported under one code, the data names the kind.
var kinds = []struct {
	err  error
	kind string
}{
	{ofsbd.ErrInvalidConfig, "invalid_config"},
	{ofsbd.ErrAlreadyExists, "already_exists"},
	{ofsbd.ErrNotFound, "not_found"},
	{ofsbd.ErrResourceExhausted, "resource_exhausted"},
	{ofsbd.ErrConnect, "connect_error"},
	{ofsbd.ErrIO, "io_error"},
}

func toError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	e := &Error{Code: CodeDeviceError, Message: err.Error()}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			e.Data = k.kind
			break
		}
	}

	return e
}

// Decodes params into v, rejecting unknown fields. Missing params are
// accepted when optional is set.
func decodeParams(params json.RawMessage, v any, optional bool) error {
	if len(params) == 0 || bytes.Equal(params, []byte("null")) {
		if optional {
			return nil
		}
		return &Error{Code: CodeInvalidParams, Message: "invalid params", Data: "missing params"}
	}

	dec := json.NewDecoder(bytes.NewReader(params))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &Error{Code: CodeInvalidParams, Message: "invalid params", Data: err.Error()}
	}

	return nil
}

func (s *Server) create(r *http.Request, params json.RawMessage) (any, error) {
	var cfg ofsbd.Config
	if err := decodeParams(params, &cfg, false); err != nil {
		return nil, err
	}

	d, err := s.registry.Create(r.Context(), cfg)
	if err != nil {
		return nil, err
	}

	return d.Name(), nil
}

type nameParams struct {
	Name string `json:"name"`
}

func (s *Server) delete(r *http.Request, params json.RawMessage) (any, error) {
	var p nameParams
	if err := decodeParams(params, &p, false); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid params", Data: "name is required"}
	}

	if err := s.registry.Delete(r.Context(), p.Name); err != nil {
		return nil, err
	}

	return true, nil
}

func (s *Server) count(r *http.Request, params json.RawMessage) (any, error) {
	return s.registry.Count(), nil
}

// Bdev is one entry of bdev_ofs_get_bdevs.
type Bdev struct {
	ofsbd.Info
	DriverSpecific json.RawMessage `json:"driver_specific"`
}

func (s *Server) bdevs(r *http.Request, params json.RawMessage) (any, error) {
	var p nameParams
	if err := decodeParams(params, &p, true); err != nil {
		return nil, err
	}

	var devices []*ofsbd.Device
	if p.Name != "" {
		d, err := s.registry.Lookup(p.Name)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	} else {
		devices = s.registry.List()
	}

	list := make([]Bdev, 0, len(devices))
	for _, d := range devices {
		var buf bytes.Buffer
		if err := d.DumpInfoJSON(&buf); err != nil {
			return nil, err
		}
		list = append(list, Bdev{Info: d.Info(), DriverSpecific: bytes.TrimSpace(buf.Bytes())})
	}

	return list, nil
}

type subsystem struct {
	Subsystem string             `json:"subsystem"`
	Config    []ofsbd.ConfigCall `json:"config"`
}

func (s *Server) saveConfig(r *http.Request, params json.RawMessage) (any, error) {
	return map[string][]subsystem{
		"subsystems": {{Subsystem: "bdev", Config: s.registry.ConfigCalls()}},
	}, nil
}
