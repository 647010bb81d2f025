package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/coreclaw/coreclaw/internal/skill"
)

var skillCmd = &cobra.Command{
	Use:   "skill",
	Short: "Manage worker skill packs",
}

var skillApplyCmd = &cobra.Command{
	Use:   "apply <dir>",
	Short: "Apply a skill pack to the worker project",
	Args:  cobra.ExactArgs(1),
	RunE:  runSkillApply,
}

var skillRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove an applied skill, restoring the files it touched",
	Args:  cobra.ExactArgs(1),
	RunE:  runSkillRemove,
}

var skillListCmd = &cobra.Command{
	Use:   "list",
	Short: "List applied skills",
	RunE:  runSkillList,
}

func init() {
	skillCmd.AddCommand(skillApplyCmd, skillRemoveCmd, skillListCmd)
	rootCmd.AddCommand(skillCmd)
}

func newSkillEngine() (*skill.Engine, func(), error) {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	eng := skill.NewEngine(cfg.Skills.ProjectRoot, skill.Options{
		PackageFile:    cfg.Skills.PackageFile,
		EnvFile:        cfg.Skills.EnvFile,
		InstallCommand: cfg.Skills.InstallCommand,
	})
	return eng, closeLog, nil
}

func runSkillApply(cmd *cobra.Command, args []string) error {
	eng, closeLog, err := newSkillEngine()
	if err != nil {
		return err
	}
	defer closeLog()

	res, err := eng.Apply(args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "applied %s@%s\n", res.Skill, res.Version)
	for _, f := range res.AddedFiles {
		fmt.Fprintf(out, "  added    %s\n", f)
	}
	for _, f := range res.ModifiedFiles {
		fmt.Fprintf(out, "  modified %s\n", f)
	}
	if len(res.MergeConflicts) > 0 {
		fmt.Fprintln(out, "merge conflicts need manual resolution:")
		for _, f := range res.MergeConflicts {
			fmt.Fprintf(out, "  conflict %s\n", f)
		}
		return fmt.Errorf("%d file(s) have conflict markers", len(res.MergeConflicts))
	}
	return nil
}

func runSkillRemove(cmd *cobra.Command, args []string) error {
	eng, closeLog, err := newSkillEngine()
	if err != nil {
		return err
	}
	defer closeLog()

	if err := eng.Uninstall(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
	return nil
}

func runSkillList(cmd *cobra.Command, args []string) error {
	eng, closeLog, err := newSkillEngine()
	if err != nil {
		return err
	}
	defer closeLog()

	applied, err := eng.List()
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no skills applied")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tAPPLIED\tFILES")
	for _, s := range applied {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n",
			s.Name, s.Version, s.AppliedAt.Format("2006-01-02 15:04"), len(s.Files))
	}
	return w.Flush()
}
