package main

import (
	"fmt"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"skillforge/internal/persist"
	"skillforge/internal/taxonomy"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := persist.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		logger.Info("migrations applied", zap.String("database", cfg.DatabaseURL))
		return nil
	},
}

var resumableCmd = &cobra.Command{
	Use:   "resumable",
	Short: "List jobs that would be resumed on startup",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := persist.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		jobs, err := persist.NewJobRepo(db).ListResumable()
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("no resumable jobs")
			return nil
		}
		for _, job := range jobs {
			fmt.Printf("%s  %-12s %-10s %s\n", job.JobID, job.Status, job.CurrentPhase, job.TaskDescription)
		}
		return nil
	},
}

var taxonomyCmd = &cobra.Command{
	Use:   "taxonomy",
	Short: "Inspect the skill taxonomy",
}

var taxonomyInspectCmd = &cobra.Command{
	Use:   "inspect <identifier>",
	Short: "Resolve an identifier and render its SKILL.md",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := persist.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()

		store, err := taxonomy.New(cfg.StorageRoot, persist.NewSkillRepo(db),
			persist.NewTaxonomyClosureRepo(db), persist.NewSkillDependencyClosureRepo(db), db)
		if err != nil {
			return err
		}

		skill, err := store.Resolve(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("%s  (version %s, %s)\n\n", skill.CanonicalPath, skill.Version, skill.Status)
		fmt.Println(renderMarkdown(skill.Content))
		return nil
	},
}

// renderMarkdown renders with glamour for a terminal reader, falling back
// to the raw text on any renderer failure.
func renderMarkdown(content string) string {
	renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
	if err != nil {
		return content
	}
	rendered, err := renderer.Render(content)
	if err != nil {
		return content
	}
	return rendered
}
