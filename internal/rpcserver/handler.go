package rpcserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nexus3-rt/nexus3/internal/pool"
	"github.com/nexus3-rt/nexus3/pkg/nexusmodel"
)

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Connection", "close")

	if r.Method != http.MethodPost {
		writeError(w, nil, CodeInvalidRequest, "only POST is supported")
		return
	}
	if !s.authorize(r) {
		writeError(w, nil, CodeAuthRequired, "missing or invalid bearer token")
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	raw, err := io.ReadAll(body)
	if err != nil {
		writeError(w, nil, CodeParseError, "request body exceeds the size limit or could not be read")
		return
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		writeError(w, nil, CodeInvalidRequest, "batch requests are not supported")
		return
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, nil, CodeParseError, "request body is not valid JSON")
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeError(w, req.ID, CodeInvalidRequest, "request is not a valid JSON-RPC 2.0 call")
		return
	}
	if trimmedParams := bytes.TrimSpace(req.Params); len(trimmedParams) > 0 && trimmedParams[0] == '[' {
		writeError(w, req.ID, CodeInvalidParams, "positional (array) params are not supported")
		return
	}

	path := normalizePath(r.URL.Path)
	result, rpcErr := s.dispatch(r.Context(), path, req.Method, req.Params)

	if req.ID == nil {
		// Notification: processed, but no response body per spec.
		w.WriteHeader(http.StatusOK)
		return
	}
	if rpcErr != nil {
		writeError(w, req.ID, rpcErr.Code, rpcErr.Message)
		return
	}
	writeResult(w, req.ID, result)
}

// normalizePath URL-decodes and strips a trailing slash before routing, so
// "/agent/foo/" and "/agent/foo" resolve identically.
func normalizePath(p string) string {
	if decoded, err := url.PathUnescape(p); err == nil {
		p = decoded
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

func (s *Server) dispatch(ctx context.Context, path, method string, params json.RawMessage) (any, *Error) {
	if path == "" || path == "/" || path == "/rpc" {
		return s.dispatchGlobal(ctx, method, params)
	}
	if agentID, ok := strings.CutPrefix(path, "/agent/"); ok && agentID != "" {
		handle, ok := s.pool.Agent(agentID)
		if !ok {
			return nil, &Error{Code: CodeAgentNotFound, Message: "unknown agent: " + agentID}
		}
		return s.dispatchAgent(ctx, handle, method, params)
	}
	return nil, &Error{Code: CodeInvalidRequest, Message: "unknown route: " + path}
}

func (s *Server) dispatchGlobal(ctx context.Context, method string, params json.RawMessage) (any, *Error) {
	switch method {
	case "create_agent":
		return s.handleCreateAgent(params)
	case "list_agents":
		return s.handleListAgents()
	case "destroy_agent":
		return s.handleDestroyAgent(params)
	case "shutdown_server":
		s.pool.ShutdownServer()
		return map[string]any{}, nil
	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: "unknown method: " + method}
	}
}

type createAgentParams struct {
	AgentID           string   `json:"agent_id"`
	Preset            string   `json:"preset"`
	DisableTools      []string `json:"disable_tools"`
	Cwd               string   `json:"cwd"`
	Model             string   `json:"model"`
	SystemPrompt      string   `json:"system_prompt"`
	AllowedWritePaths []string `json:"allowed_write_paths"`
}

func (s *Server) handleCreateAgent(params json.RawMessage) (any, *Error) {
	var p createAgentParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: "invalid create_agent params: " + err.Error()}
		}
	}

	if p.Preset == string(nexusmodel.LevelYOLO) {
		return nil, &Error{Code: CodeInvalidParams, Message: `preset "yolo" is not permitted over RPC`}
	}

	var level nexusmodel.PermissionLevel
	switch p.Preset {
	case "", "sandboxed", "worker":
		level = nexusmodel.LevelSandboxed
	case "trusted":
		level = nexusmodel.LevelTrusted
	default:
		return nil, &Error{Code: CodeInvalidParams, Message: "unknown preset: " + p.Preset}
	}

	agentID, err := s.pool.CreateAgent(pool.CreateAgentRequest{
		AgentID:           p.AgentID,
		Level:             level,
		DisabledTools:     p.DisableTools,
		Cwd:               p.Cwd,
		Model:             p.Model,
		SystemPrompt:      p.SystemPrompt,
		AllowedWritePaths: p.AllowedWritePaths,
	})
	if err != nil {
		return nil, classifyCreateAgentError(err)
	}
	return map[string]any{"agent_id": agentID}, nil
}

func classifyCreateAgentError(err error) *Error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "already exists"):
		return &Error{Code: CodeDuplicateAgent, Message: msg}
	case strings.Contains(msg, "invalid agent id"), strings.Contains(msg, "may not request level"):
		return &Error{Code: CodeInvalidParams, Message: msg}
	default:
		return &Error{Code: CodeInternalError, Message: msg}
	}
}

func (s *Server) handleListAgents() (any, *Error) {
	summaries := s.pool.ListAgents()
	agents := make([]map[string]any, 0, len(summaries))
	for _, a := range summaries {
		agents = append(agents, map[string]any{
			"agent_id":      a.AgentID,
			"message_count": a.MessageCount,
			"created_at":    a.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return map[string]any{"agents": agents}, nil
}

func (s *Server) handleDestroyAgent(params json.RawMessage) (any, *Error) {
	var p struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.AgentID == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "agent_id is required"}
	}
	return map[string]any{"destroyed": s.pool.DestroyAgent(p.AgentID)}, nil
}

func (s *Server) dispatchAgent(ctx context.Context, handle *pool.AgentHandle, method string, params json.RawMessage) (any, *Error) {
	switch method {
	case "send":
		var p struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: "content is required"}
		}
		result, err := handle.Dispatcher.Send(ctx, p.Content)
		if err != nil {
			return nil, &Error{Code: CodeInternalError, Message: err.Error()}
		}
		if result.Cancelled {
			return map[string]any{"cancelled": true, "request_id": result.RequestID}, nil
		}
		return map[string]any{"content": result.Content, "request_id": result.RequestID}, nil

	case "cancel":
		var p struct {
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal(params, &p); err != nil || p.RequestID == "" {
			return nil, &Error{Code: CodeInvalidParams, Message: "request_id is required"}
		}
		cr := handle.Dispatcher.Cancel(p.RequestID)
		out := map[string]any{"cancelled": cr.Cancelled}
		if cr.Reason != "" {
			out["reason"] = cr.Reason
		}
		return out, nil

	case "get_tokens":
		tr := handle.Dispatcher.GetTokens()
		return map[string]any{"system": tr.System, "tools": tr.Tools, "messages": tr.Messages, "total": tr.Total}, nil

	case "get_context":
		cr := handle.Dispatcher.GetContext()
		return map[string]any{"message_count": cr.MessageCount, "system_prompt": cr.SystemPrompt}, nil

	case "compact":
		cr, err := handle.Dispatcher.Compact(ctx)
		if err != nil {
			return nil, &Error{Code: CodeInternalError, Message: err.Error()}
		}
		return map[string]any{"before_tokens": cr.BeforeTokens, "after_tokens": cr.AfterTokens, "replaced": cr.Replaced}, nil

	case "shutdown":
		handle.Dispatcher.Shutdown()
		return map[string]any{}, nil

	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: "unknown method: " + method}
	}
}

func writeResult(w http.ResponseWriter, id *json.RawMessage, result any) {
	resp := Response{JSONRPC: "2.0", Result: result, ID: idOrNull(id)}
	writeJSON(w, http.StatusOK, resp)
}

func writeError(w http.ResponseWriter, id *json.RawMessage, code int, message string) {
	status := http.StatusOK
	if code == CodeAuthRequired {
		status = http.StatusUnauthorized
	}
	resp := Response{JSONRPC: "2.0", Error: &Error{Code: code, Message: message}, ID: idOrNull(id)}
	writeJSON(w, status, resp)
}

func idOrNull(id *json.RawMessage) json.RawMessage {
	if id == nil {
		return json.RawMessage("null")
	}
	return *id
}

// writeJSON always emits a JSON body: error responses are never built by
// string interpolation, so a quote, backslash, or stray unicode surrogate
// anywhere in the triggering request can never break the response's own
// JSON structure.
func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"jsonrpc":"2.0","error":{"code":-32603,"message":"internal error"},"id":null}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
