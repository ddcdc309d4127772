package logging

import (
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// =============================================================================
// AUDIT EVENTS - one JSON line per turn-level event in logs/audit.jsonl
// =============================================================================

// AuditEventType identifies an audit record.
type AuditEventType string

const (
	AuditTurnStart     AuditEventType = "turn_start"
	AuditTurnEnd       AuditEventType = "turn_end"
	AuditLLMCall       AuditEventType = "llm_call"
	AuditToolExec      AuditEventType = "tool_exec"
	AuditQuotaDenied   AuditEventType = "quota_denied"
	AuditRegulatorPass AuditEventType = "regulator_pass"
)

// AuditLogger writes audit events. The zero value discards everything.
type AuditLogger struct {
	log  *zap.Logger
	file *os.File
}

var (
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// Audit returns the process audit logger, opening logs/audit.jsonl on first use
// when debug mode is on.
func Audit() *AuditLogger {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditLogger != nil {
		return auditLogger
	}

	optsMu.RLock()
	dir := logsDir
	optsMu.RUnlock()
	if dir == "" {
		return &AuditLogger{}
	}

	file, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		Get(CategoryBoot).Warn("could not open audit log: %v", err)
		return &AuditLogger{}
	}

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.EpochMillisTimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(file), zapcore.DebugLevel)
	auditLogger = &AuditLogger{log: zap.New(core), file: file}
	return auditLogger
}

// CloseAudit flushes and closes the audit log.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()
	if auditLogger == nil {
		return
	}
	_ = auditLogger.log.Sync()
	auditLogger.file.Close()
	auditLogger = nil
}

func (a *AuditLogger) emit(event AuditEventType, fields ...zap.Field) {
	if a == nil || a.log == nil {
		return
	}
	a.log.Info(string(event), fields...)
}

// TurnStart records the start of a minion turn.
func (a *AuditLogger) TurnStart(minion, channelID, triggerID string) {
	a.emit(AuditTurnStart,
		zap.String("minion", minion),
		zap.String("channel", channelID),
		zap.String("trigger", triggerID))
}

// TurnEnd records the outcome of a minion turn.
func (a *AuditLogger) TurnEnd(minion, channelID, action string, toolIterations int, durationMs int64, errMsg string) {
	a.emit(AuditTurnEnd,
		zap.String("minion", minion),
		zap.String("channel", channelID),
		zap.String("action", action),
		zap.Int("tool_iterations", toolIterations),
		zap.Int64("duration_ms", durationMs),
		zap.Bool("success", errMsg == ""),
		zap.String("error", errMsg))
}

// LLMCall records a model call.
func (a *AuditLogger) LLMCall(model, keyID, stage string, tokens int, durationMs int64, errMsg string) {
	a.emit(AuditLLMCall,
		zap.String("model", model),
		zap.String("key", keyID),
		zap.String("stage", stage),
		zap.Int("tokens", tokens),
		zap.Int64("duration_ms", durationMs),
		zap.Bool("success", errMsg == ""),
		zap.String("error", errMsg))
}

// ToolExec records one tool invocation.
func (a *AuditLogger) ToolExec(minion, tool string, durationMs int64, errMsg string) {
	a.emit(AuditToolExec,
		zap.String("minion", minion),
		zap.String("tool", tool),
		zap.Int64("duration_ms", durationMs),
		zap.Bool("success", errMsg == ""),
		zap.String("error", errMsg))
}

// QuotaDenied records an allocation that found no headroom.
func (a *AuditLogger) QuotaDenied(minion, model string) {
	a.emit(AuditQuotaDenied, zap.String("minion", minion), zap.String("model", model))
}

// RegulatorPass records a regulator run.
func (a *AuditLogger) RegulatorPass(minion, channelID string, durationMs int64, errMsg string) {
	a.emit(AuditRegulatorPass,
		zap.String("minion", minion),
		zap.String("channel", channelID),
		zap.Int64("duration_ms", durationMs),
		zap.Bool("success", errMsg == ""),
		zap.String("error", errMsg))
}
