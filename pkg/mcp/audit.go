package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/mcp/tools"
)

// maxParamSize bounds string parameters written to the audit log.
const maxParamSize = 200

var sensitiveKeywords = []string{"password", "secret", "token", "key", "credential"}

// AuditLogger writes one structured log line per MCP tool call. Successful
// resolve_approval calls are logged at INFO, other calls at DEBUG.
type AuditLogger struct {
	logger *zap.Logger

	// startTimes tracks when tool calls begin, keyed by request ID.
	startTimes sync.Map
}

// NewAuditLogger creates an AuditLogger that records MCP tool calls.
func NewAuditLogger(logger *zap.Logger) *AuditLogger {
	return &AuditLogger{logger: logger.Named("mcp-audit")}
}

// Hooks returns mcp-go Hooks configured to capture tool call events.
func (a *AuditLogger) Hooks() *server.Hooks {
	hooks := &server.Hooks{}
	hooks.AddBeforeCallTool(a.beforeCallTool)
	hooks.AddAfterCallTool(a.afterCallTool)
	hooks.AddOnError(a.onError)
	return hooks
}

func (a *AuditLogger) beforeCallTool(_ context.Context, id any, _ *mcplib.CallToolRequest) {
	a.startTimes.Store(id, time.Now())
}

func (a *AuditLogger) afterCallTool(_ context.Context, id any, req *mcplib.CallToolRequest, result *mcplib.CallToolResult) {
	fields := a.fields(id, req)
	isError := result != nil && result.IsError
	fields = append(fields, zap.Bool("is_error", isError))
	if isError {
		fields = append(fields, zap.String("error_code", resultErrorCode(result)))
	}

	if req.Params.Name == "resolve_approval" && !isError {
		a.logger.Info("MCP tool call", fields...)
		return
	}
	a.logger.Debug("MCP tool call", fields...)
}

func (a *AuditLogger) onError(_ context.Context, id any, method mcplib.MCPMethod, message any, err error) {
	if method != mcplib.MethodToolsCall {
		return
	}
	req, ok := message.(*mcplib.CallToolRequest)
	if !ok {
		return
	}

	fields := append(a.fields(id, req), zap.Error(err))
	if tools.IsInputError(err) || isMissingParam(err) {
		a.logger.Debug("MCP tool call rejected", fields...)
		return
	}
	a.logger.Error("MCP tool call failed", fields...)
}

func (a *AuditLogger) fields(id any, req *mcplib.CallToolRequest) []zap.Field {
	start, _ := a.loadAndDeleteStart(id)
	return []zap.Field{
		zap.String("tool", req.Params.Name),
		zap.Any("request_id", id),
		zap.Any("params", sanitizeParams(req.Params.Arguments)),
		zap.Duration("duration", time.Since(start)),
	}
}

func (a *AuditLogger) loadAndDeleteStart(id any) (time.Time, bool) {
	if v, ok := a.startTimes.LoadAndDelete(id); ok {
		return v.(time.Time), true
	}
	return time.Now(), false
}

// isMissingParam matches the errors mcp-go returns from RequireString and friends.
func isMissingParam(err error) bool {
	return strings.Contains(err.Error(), "required argument")
}

// sanitizeParams redacts secrets and truncates long strings.
func sanitizeParams(args any) map[string]any {
	params, ok := args.(map[string]any)
	if !ok || len(params) == 0 {
		return nil
	}
	sanitized := make(map[string]any, len(params))
	for k, v := range params {
		sanitized[k] = sanitizeValue(k, v)
	}
	return sanitized
}

func sanitizeValue(key string, value any) any {
	if isSensitiveKey(key) {
		return hashSensitiveValue(value)
	}
	switch val := value.(type) {
	case string:
		if len(val) > maxParamSize {
			return val[:maxParamSize] + "...[truncated]"
		}
		return val
	case map[string]any:
		return sanitizeParams(val)
	default:
		return value
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

// hashSensitiveValue returns a SHA-256 prefix so entries can be correlated
// without storing the value.
func hashSensitiveValue(value any) string {
	str, ok := value.(string)
	if !ok {
		str = fmt.Sprintf("%v", value)
	}
	hash := sha256.Sum256([]byte(str))
	return "sha256:" + hex.EncodeToString(hash[:8])
}

// resultErrorCode pulls the code out of a structured tool error result.
func resultErrorCode(result *mcplib.CallToolResult) string {
	for _, c := range result.Content {
		tc, ok := c.(mcplib.TextContent)
		if !ok {
			continue
		}
		var resp tools.ErrorResponse
		if err := json.Unmarshal([]byte(tc.Text), &resp); err == nil && resp.Code != "" {
			return resp.Code
		}
	}
	return ""
}
