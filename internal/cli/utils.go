package cli

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/jdziat/jobengine/internal/config"
	"github.com/jdziat/jobengine/internal/logger"
	"github.com/jdziat/jobengine/pkg/core"
	"github.com/jdziat/jobengine/pkg/engine"
)

// loadConfig reads the file named by --config plus the environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

// withEngine opens an engine for one command and closes it afterwards.
// Logs go to stderr so that stdout carries only command output.
func withEngine(cmd *cobra.Command, fn func(*engine.Engine) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.New(cmd.ErrOrStderr(), cfg.Log)
	slog.SetDefault(log)
	return runEngine(cmd, cfg, log, fn)
}

func runEngine(cmd *cobra.Command, cfg *config.Config, log *slog.Logger, fn func(*engine.Engine) error) error {
	e, err := engine.Open(cmd.Context(), cfg, engine.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()
	return fn(e)
}

// printJSON writes v as indented JSON to the command's stdout.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// decodedPayload renders payload as JSON when it parses, as text when it is
// valid UTF-8 and as base64 otherwise.
func decodedPayload(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	var v any
	if json.Unmarshal(payload, &v) == nil {
		return v
	}
	if utf8.Valid(payload) {
		return string(payload)
	}
	return map[string]string{"base64": base64.StdEncoding.EncodeToString(payload)}
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// jobView is the printed form of a job.
func jobView(j *core.JobInfo) map[string]any {
	out := map[string]any{
		"id":               j.ID,
		"group_id":         j.GroupID,
		"queue_type":       j.QueueType,
		"status":           string(j.Status),
		"version":          j.Version,
		"attempts":         j.Attempts,
		"max_retries":      j.MaxRetries,
		"cancel_requested": j.CancelRequested,
		"create_date":      j.CreateDate.UTC().Format(time.RFC3339Nano),
		"available_at":     j.AvailableAt.UTC().Format(time.RFC3339Nano),
		"start_date":       formatTime(j.StartDate),
		"end_date":         formatTime(j.EndDate),
	}
	if j.WorkerID != "" {
		out["worker_id"] = j.WorkerID
	}
	if j.DedupKey != "" {
		out["dedup_key"] = j.DedupKey
	}
	if j.LastError != "" {
		out["last_error"] = j.LastError
	}
	if v := decodedPayload(j.Definition); v != nil {
		out["definition"] = v
	}
	if v := decodedPayload(j.Result); v != nil {
		out["result"] = v
	}
	if v := decodedPayload(j.Progress); v != nil {
		out["progress"] = v
	}
	return out
}
