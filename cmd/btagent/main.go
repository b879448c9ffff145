// Command btagent runs one deterministic, LLM-driven backtest over a set
// of OHLCV CSV files: load .env, build a Config, wire dependencies, serve
// /metrics, run.
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chidi150c/btagent/internal/agent"
	"github.com/chidi150c/btagent/internal/config"
	"github.com/chidi150c/btagent/internal/eval"
	"github.com/chidi150c/btagent/internal/model"
	"github.com/chidi150c/btagent/internal/runner"
)

func main() {
	var configPath string
	var metricsPort int
	var playbookPath string
	flag.StringVar(&configPath, "config", "btagent.yaml", "Path to the run's YAML config")
	flag.IntVar(&metricsPort, "port", 9090, "Port to serve /metrics and /healthz on")
	flag.StringVar(&playbookPath, "strategy", "", "Path to a strategy prompt file; overrides config's system_prompt default")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Printf("[INFO] no .env file loaded: %v", err)
	}

	cfg, err := config.LoadRunConfig(configPath)
	if err != nil {
		log.Fatalf("[FATAL] load config: %v", err)
	}

	bars := make(map[string][]model.Bar, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		path := cfg.CSVPaths[sym]
		rows, err := loadCSV(path)
		if err != nil {
			log.Fatalf("[FATAL] load csv for %s (%s): %v", sym, path, err)
		}
		bars[sym] = rows
	}

	strategyPrompt := cfg.Agent.SystemPrompt
	if playbookPath != "" {
		b, err := os.ReadFile(playbookPath)
		if err != nil {
			log.Fatalf("[FATAL] read strategy file: %v", err)
		}
		strategyPrompt = string(b)
	}

	apiKey := config.GetEnv("BTAGENT_LLM_API_KEY", "")
	client := agent.NewOpenAIClient(cfg.Agent.APIBase, apiKey, cfg.Agent.Model, 30*time.Second)
	ag := agent.New(client, cfg.Agent.Model, cfg.Agent.MaxRounds, strategyPrompt, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", metricsPort), Handler: mux}
	go func() {
		log.Printf("[INFO] serving metrics on :%d/metrics", metricsPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[WARN] metrics server: %v", err)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	result, err := runner.Run(ctx, runner.Config{
		Symbols:          cfg.Symbols,
		Bars:             bars,
		InitialCash:      cfg.InitialCash,
		Risk:             cfg.Risk,
		Commission:       cfg.Commission,
		Slippage:         cfg.Slippage,
		Context:          cfg.Context,
		StrategyPrompt:   strategyPrompt,
		DecisionStartBar: cfg.DecisionStartBar,
		WorkspaceRoot:    cfg.WorkspaceRoot,
		SandboxTimeout:   cfg.Agent.SandboxTimeout(500 * time.Millisecond),
		Decider:          ag,
	})
	if err != nil {
		log.Fatalf("[FATAL] run: %v", err)
	}

	eval.PrintReport(os.Stdout, result.Performance, result.Compliance)
	log.Printf("[INFO] workspace=%s decisions=%d llm_calls=%d tokens=%d duration=%s",
		result.WorkspacePath, len(result.Decisions), result.TotalLLMCalls, result.TotalTokens, result.Duration)

	shutdownCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
	defer c()
	_ = srv.Shutdown(shutdownCtx)
}

// loadCSV reads an OHLCV CSV with headers date|time|timestamp, open, high,
// low, close, volume — aliases and case are normalised before parsing.
func loadCSV(path string) ([]model.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var out []model.Bar
	var headers []string
	rowIdx := 0

	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if rowIdx == 0 {
			headers = rec
			rowIdx++
			continue
		}
		row := map[string]string{}
		for j, h := range headers {
			k := strings.ToLower(strings.TrimSpace(h))
			if j < len(rec) {
				row[k] = strings.TrimSpace(rec[j])
			}
		}
		ts := firstNonEmpty(row, "date", "time", "timestamp", "trade_date")
		op := firstNonEmpty(row, "open")
		hp := firstNonEmpty(row, "high")
		lp := firstNonEmpty(row, "low")
		cp := firstNonEmpty(row, "close")
		vp := firstNonEmpty(row, "volume", "vol")
		if ts == "" || op == "" || cp == "" {
			continue
		}
		tt, err := parseTimeFlexible(ts)
		if err != nil {
			continue
		}
		o, _ := strconv.ParseFloat(op, 64)
		h, _ := strconv.ParseFloat(hp, 64)
		l, _ := strconv.ParseFloat(lp, 64)
		c, _ := strconv.ParseFloat(cp, 64)
		v, _ := strconv.ParseFloat(vp, 64)
		out = append(out, model.Bar{Time: tt, Open: o, High: h, Low: l, Close: c, Volume: v})
		rowIdx++
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	for i := range out {
		out[i].Index = i
	}
	return out, nil
}

func parseTimeFlexible(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	if ts, err := time.Parse("2006-01-02", s); err == nil {
		return ts, nil
	}
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad time: %s", s)
}

func firstNonEmpty(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := m[k]; v != "" {
			return v
		}
	}
	return ""
}
