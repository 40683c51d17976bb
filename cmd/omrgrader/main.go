package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/omrgrader/internal/answerkey"
	"github.com/pavelanni/omrgrader/internal/handler"
	appI18n "github.com/pavelanni/omrgrader/internal/i18n"
	"github.com/pavelanni/omrgrader/internal/model"
	"github.com/pavelanni/omrgrader/internal/omr"
	"github.com/pavelanni/omrgrader/internal/report"
	"github.com/pavelanni/omrgrader/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "omrgrader",
		Short: "Answer sheet reader and scorer",
	}

	serve := serveCmd()
	root.AddCommand(serve, evaluateCmd(), parseKeyCmd(), exportCmd(), resetCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `omrgrader --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addLogFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addTemplateFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("threshold", 30, "Intensity at or below which a pixel counts as filled (0-255)")
	f.Int("min-area", 10, "Blobs with this many pixels or fewer are ignored")
	f.String("multi-mark", string(omr.MultiMarkFirst), "Rows with several filled bubbles: first or flag")
	f.String("key-numbering", "flat", "How subject questions map to key numbers: flat (1-200) or per_subject (1-50)")
	f.IntP("workers", "w", 4, "Sheets decoded concurrently")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8000", "HTTP listen address")
	f.String("db", "omrgrader.db", "SQLite database path")
	f.String("media-dir", "media", "Directory for uploaded images and answer keys")
	f.StringP("lang", "l", "en", "Default message language (en, ru)")
	f.StringSlice("allowed-origins", []string{"http://localhost:3000"}, "Origins allowed by CORS")
	f.Int64("max-upload", 32<<20, "Maximum upload size in bytes")
	f.String("admin-user", "admin", "User name for destructive endpoints")
	f.String("admin-password", "", "Password for destructive endpoints (or set OMRGRADER_ADMIN_PASSWORD); empty disables them")
	addTemplateFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate --key KEY IMAGE...",
		Short: "Evaluate sheet images against an answer key and print the results as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runEvaluate,
	}
	f := cmd.Flags()
	f.StringP("key", "k", "", "Answer key file (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addTemplateFlags(cmd)
	addLogFlags(cmd)

	_ = cmd.MarkFlagRequired("key")

	return cmd
}

func parseKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse-key FILE",
		Short: "Parse an answer key and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runParseKey,
	}
	f := cmd.Flags()
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export stored evaluation results as JSON or as a CSV report",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "omrgrader.db", "SQLite database path")
	f.StringP("report", "r", "", "CSV report instead of JSON: scores, answers or subjects")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addLogFlags(cmd)
	return cmd
}

func resetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all uploads, answer keys and their files",
		RunE:  runReset,
	}
	f := cmd.Flags()
	f.String("db", "omrgrader.db", "SQLite database path")
	f.Bool("yes", false, "Confirm that everything should be deleted")
	addLogFlags(cmd)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("OMRGRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("omrgrader")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/omrgrader")
	v.AddConfigPath("/etc/omrgrader")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	eval, err := newEvaluator(v)
	if err != nil {
		return err
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	adminHash, err := hashAdminPassword(v.GetString("admin-password"))
	if err != nil {
		return err
	}
	if adminHash == "" {
		slog.Warn("no admin password set, reset endpoint disabled")
	}

	cfg := model.ServerConfig{
		MediaDir:       v.GetString("media-dir"),
		Workers:        v.GetInt("workers"),
		MaxUploadBytes: v.GetInt64("max-upload"),
		AllowedOrigins: v.GetStringSlice("allowed-origins"),
		AdminUser:      v.GetString("admin-user"),
		AdminHash:      adminHash,
	}
	h, err := handler.New(db, eval, cfg)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Accept-Language"},
		ExposedHeaders:   []string{"Content-Length", "Content-Language"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(appI18n.Middleware())
	r.Route("/api", h.Routes)

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"db", v.GetString("db"),
		"media_dir", cfg.MediaDir,
		"languages", appI18n.Languages(),
		"workers", cfg.Workers,
		"allowed_origins", cfg.AllowedOrigins,
		"multi_mark", eval.Template().MultiMark,
	)
	return http.ListenAndServe(addr, r)
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	eval, err := newEvaluator(v)
	if err != nil {
		return err
	}

	key, warnings, err := answerkey.ParseFile(v.GetString("key"))
	if err != nil {
		return err
	}
	if len(key) == 0 {
		return fmt.Errorf("answer key %s has no valid lines (%d skipped)", v.GetString("key"), len(warnings))
	}

	sheets := make([]omr.Sheet, len(args))
	for i, path := range args {
		sheets[i] = omr.Sheet{ID: int64(i + 1), Title: filepath.Base(path), Path: path}
	}

	entries, err := eval.EvaluateBatch(context.Background(), sheets, key)
	if err != nil {
		return fmt.Errorf("evaluate: %w", err)
	}
	return writeJSONOutput(v.GetString("output"), entries)
}

func runParseKey(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	key, warnings, err := answerkey.ParseFile(args[0])
	if err != nil {
		return err
	}
	slog.Info("parsed answer key", "path", args[0], "questions", len(key), "skipped", len(warnings))

	out := struct {
		Questions int                 `json:"questions"`
		Answers   []answerkey.Entry   `json:"answers"`
		Skipped   []answerkey.Warning `json:"skipped,omitempty"`
	}{
		Questions: len(key),
		Answers:   answerkey.Sorted(key),
		Skipped:   warnings,
	}
	return writeJSONOutput(v.GetString("output"), out)
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	var kind report.Kind
	if name := v.GetString("report"); name != "" {
		k, err := report.ParseKind(name)
		if err != nil {
			return err
		}
		kind = k
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	export, err := db.ExportResults()
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}
	if kind == "" {
		slog.Info("exported results", "sheets", export.NumSheets)
		return writeJSONOutput(v.GetString("output"), export)
	}

	slog.Info("exported report", "report", kind, "sheets", export.NumSheets)
	return withOutput(v.GetString("output"), func(w io.Writer) error {
		return report.Write(w, kind, export.Results)
	})
}

func runReset(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	if !v.GetBool("yes") {
		return errors.New("refusing to delete everything without --yes")
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	started := time.Now()
	paths, err := db.ResetCorpus()
	if err != nil {
		return fmt.Errorf("reset corpus: %w", err)
	}
	removed := store.RemoveFiles(paths)
	slog.Info("corpus reset", "files", len(paths), "removed", removed, "duration", time.Since(started))
	return nil
}

func writeJSONOutput(outPath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	return withOutput(outPath, func(w io.Writer) error {
		if _, err := w.Write(data); err != nil {
			return err
		}
		// Ensure trailing newline.
		_, err := fmt.Fprintln(w)
		return err
	})
}

// withOutput runs write against stdout when outPath is empty or "-", and
// against a newly created file otherwise.
func withOutput(outPath string, write func(io.Writer) error) error {
	if outPath == "" || outPath == "-" {
		if err := write(os.Stdout); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		return nil
	}

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write output: %w", err)
	}
	return f.Close()
}

func hashAdminPassword(password string) (string, error) {
	if password == "" {
		return "", nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash admin password: %w", err)
	}
	return string(hash), nil
}
