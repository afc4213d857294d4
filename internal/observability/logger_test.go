package observability

import (
	"bytes"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitialize_JSONWithAuditFields(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var buf bytes.Buffer
	Initialize(LoggerConfig{Level: "debug", Format: "json", ServiceName: "autopilot"}, zapcore.AddSync(&buf))

	GetLogger().Info("decision recorded", IssueID("i-1"), DecisionID("d-1"), Stage("deploy"))
	Sync()

	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["msg"] != "decision recorded" {
		t.Errorf("msg = %v", entry["msg"])
	}
	if entry[FieldIssueID] != "i-1" || entry[FieldDecisionID] != "d-1" || entry[FieldStage] != "deploy" {
		t.Errorf("audit fields missing: %v", entry)
	}
	if entry["logger"] != "autopilot" {
		t.Errorf("logger = %v", entry["logger"])
	}
}

func TestInitialize_LevelFilter(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var buf bytes.Buffer
	Initialize(LoggerConfig{Level: "warn", Format: "json"}, zapcore.AddSync(&buf))

	GetLogger().Info("hidden")
	GetLogger().Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestInitialize_OnlyOnce(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	var first, second bytes.Buffer
	Initialize(LoggerConfig{Level: "info", Format: "json"}, zapcore.AddSync(&first))
	Initialize(LoggerConfig{Level: "info", Format: "json"}, zapcore.AddSync(&second))

	GetLogger().Info("hello")
	if second.Len() != 0 || first.Len() == 0 {
		t.Error("second Initialize call should be ignored")
	}
}

func TestInitialize_RedirectsStdLogAndFile(t *testing.T) {
	ResetForTest()
	t.Cleanup(func() {
		ResetForTest()
		log.SetOutput(os.Stderr)
		log.SetFlags(log.LstdFlags)
		log.SetPrefix("")
	})

	logFile := filepath.Join(t.TempDir(), "autopilot.log")
	var buf bytes.Buffer
	Initialize(LoggerConfig{Level: "info", Format: "console", LogFile: logFile}, zapcore.AddSync(&buf))

	log.Printf("from stdlib")
	Sync()

	if !strings.Contains(buf.String(), "from stdlib") {
		t.Errorf("console output missing redirected line: %q", buf.String())
	}
	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "from stdlib") {
		t.Errorf("file output = %q", data)
	}
}

func TestGetLogger_BeforeInitialize(t *testing.T) {
	ResetForTest()
	if GetLogger() == nil {
		t.Fatal("GetLogger() must never return nil")
	}
	// must not panic
	GetLogger().Info("dropped", zap.String("k", "v"))
}
