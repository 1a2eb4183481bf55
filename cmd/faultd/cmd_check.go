package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/y001j/fault-engine/internal/core"
	"github.com/y001j/fault-engine/internal/engine"
)

var (
	checkInvalidOnly bool
	checkStrict      bool

	checkCmd = &cobra.Command{
		Use:   "check",
		Short: "Bind every rule to every equipment and report the result",
		RunE:  runCheck,
	}
)

func init() {
	checkCmd.Flags().BoolVar(&checkInvalidOnly, "invalid", false, "list only instances that failed to bind")
	checkCmd.Flags().BoolVar(&checkStrict, "strict", false, "exit with an error when any instance failed to bind")
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	md, err := core.LoadMetadata(cfg)
	if err != nil {
		return err
	}
	e := engine.New(engine.Options{Ontology: md.Ontology, Functions: md.Functions})
	report, err := e.Load(context.Background(), md.Rules.GetEnabledRules(), md.Equipment)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RULE\tEQUIPMENT\tVALID\tPOINTS\tFAILED")
	for _, inst := range e.Instances() {
		valid := inst.IsValid()
		if checkInvalidOnly && valid {
			continue
		}
		var failed []string
		for _, p := range inst.FailedParameters() {
			msg := p.Name
			if f := p.Failed(); f != nil {
				msg += ": " + f.Message
			}
			failed = append(failed, msg)
		}
		sort.Strings(failed)
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\t%s\n",
			inst.RuleID, inst.EquipmentID, valid,
			strings.Join(inst.PointIDs(), ","), strings.Join(failed, "; "))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d equipment, %d instances, %d invalid\n", report.Equipment, report.Instances, report.Invalid)

	if checkStrict && report.Invalid > 0 {
		return fmt.Errorf("%d 个规则实例绑定失败", report.Invalid)
	}
	return nil
}
