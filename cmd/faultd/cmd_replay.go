package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/y001j/fault-engine/internal/core"
	"github.com/y001j/fault-engine/internal/engine"
	"github.com/y001j/fault-engine/internal/model"
	"github.com/y001j/fault-engine/internal/northbound"
	"github.com/y001j/fault-engine/internal/northbound/console"
	"github.com/y001j/fault-engine/internal/plugin"
	"github.com/y001j/fault-engine/internal/store"
	"github.com/y001j/fault-engine/internal/timeseries"
)

var (
	replayCSV        []string
	replayFormat     string
	replayOnlyFaulty bool
	replaySinks      bool
	replayStore      bool

	replayCmd = &cobra.Command{
		Use:   "replay",
		Short: "Evaluate historical telemetry and print the resulting insights",
		Long: `Replay reads every sample from the given CSV files, or from the bounded
southbound adapters in the config file, evaluates all rule instances over
them and writes the insights to stdout.`,
		RunE: runReplay,
	}
)

func init() {
	f := replayCmd.Flags()
	f.StringSliceVar(&replayCSV, "csv", nil, "CSV files (point_id,timestamp,value[,unit]); overrides southbound adapters")
	f.StringVar(&replayFormat, "format", "table", "output format: table | plain | json | none")
	f.BoolVar(&replayOnlyFaulty, "only-faulty", false, "print only faulty insights")
	f.BoolVar(&replaySinks, "sinks", false, "also publish to the configured northbound sinks")
	f.BoolVar(&replayStore, "store", false, "save insights to the configured insight store")
}

func readCSVFiles(paths []string) ([]model.TimedValue, error) {
	var all []model.TimedValue
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		values, err := timeseries.ReadCSV(f, timeseries.CSVOptions{HasHeader: true})
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		log.Info().Str("file", path).Int("samples", len(values)).Msg("CSV读取完成")
		all = append(all, values...)
	}
	return all, nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	md, err := core.LoadMetadata(cfg)
	if err != nil {
		return err
	}

	if len(replayCSV) > 0 {
		cfg.Southbound.Adapters = nil
	}
	if !replaySinks {
		cfg.Northbound.Sinks = nil
	}
	mgr := plugin.NewManager(nil, nil)
	if err := mgr.Init(cfg); err != nil {
		return err
	}

	var values []model.TimedValue
	if len(replayCSV) > 0 {
		values, err = readCSVFiles(replayCSV)
	} else {
		values, err = mgr.Collect(ctx)
	}
	if err != nil {
		return err
	}

	sinks := mgr.Sinks()
	if replayFormat != "none" {
		out, err := stdoutSink(replayFormat, replayOnlyFaulty)
		if err != nil {
			return err
		}
		sinks = append(sinks, out)
	}
	for _, s := range sinks {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("启动连接器 %s 失败: %w", s.Name(), err)
		}
		defer s.Stop()
	}

	var insights store.InsightStore
	if replayStore {
		if insights, err = store.OpenInsightStore(cfg); err != nil {
			return err
		}
		defer insights.Close()
	}

	e := engine.New(engine.Options{
		Workers:      cfg.Engine.Workers,
		MaxSampleAge: cfg.MaxSampleAge(),
		Ontology:     md.Ontology,
		Functions:    md.Functions,
	})
	if _, err := e.Load(ctx, md.Rules.GetEnabledRules(), md.Equipment); err != nil {
		return err
	}

	p := engine.NewPipeline(e, engine.PipelineOptions{Sinks: sinks, Insights: insights})
	if err := p.Replay(ctx, values); err != nil {
		return err
	}

	st := e.Stats()
	log.Info().
		Int("samples", len(values)).
		Int("instances", st.Instances).
		Int("invalid", st.Invalid).
		Int("faulty", st.Faulty).
		Int("invocations", st.Invocations).
		Int("dropped", st.Dropped).
		Msg("回放完成")
	return nil
}

func stdoutSink(format string, onlyFaulty bool) (northbound.Sink, error) {
	switch format {
	case "table", "plain", "json":
	default:
		return nil, fmt.Errorf("未知的输出格式: %s", format)
	}
	cfg, err := json.Marshal(map[string]interface{}{
		"name":        "stdout",
		"type":        "console",
		"format":      format,
		"only_faulty": onlyFaulty,
	})
	if err != nil {
		return nil, err
	}
	s := console.NewConsoleSink(os.Stdout)
	if err := s.Init(cfg); err != nil {
		return nil, err
	}
	return s, nil
}
