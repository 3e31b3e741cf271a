package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/config"
	"github.com/uratmangun/arbitrum-vibekit-sub004/internal/skills"
)

func skillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "List and inspect skills",
	}
	cmd.AddCommand(skillsListCmd())
	cmd.AddCommand(skillsShowCmd())
	return cmd
}

func skillsListCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all available skills",
		Run: func(cmd *cobra.Command, args []string) {
			all := newSkillsLoader().List()

			if jsonOutput {
				printJSON(all)
				return
			}
			if len(all) == 0 {
				fmt.Println("No skills found.")
				return
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(tw, "ID\tSOURCE\tROUTING\tTAGS\tDESCRIPTION\n")
			for _, s := range all {
				routing := s.Routing
				if routing == "" {
					routing = "llm"
				}
				desc := truncateCell(s.Description, 60)
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.Source, routing, strings.Join(s.Tags, ","), desc)
			}
			tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func skillsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show a skill's metadata and prompt content",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			loader := newSkillsLoader()
			info, ok := loader.Get(args[0])
			if !ok {
				fmt.Fprintf(os.Stderr, "Skill not found: %s\n", args[0])
				os.Exit(1)
			}
			fmt.Printf("ID:          %s\n", info.ID)
			fmt.Printf("Name:        %s\n", info.Name)
			fmt.Printf("Description: %s\n", info.Description)
			if info.Version != "" {
				fmt.Printf("Version:     %s\n", info.Version)
			}
			if len(info.Tags) > 0 {
				fmt.Printf("Tags:        %s\n", strings.Join(info.Tags, ", "))
			}
			if info.Workflow != "" {
				fmt.Printf("Workflow:    %s (direct routing)\n", info.Workflow)
			}
			fmt.Printf("Source:      %s\n", info.Source)
			fmt.Printf("Location:    %s\n", info.Path)
			fmt.Println()

			if content, ok := loader.Load(args[0]); ok {
				fmt.Println("--- Content ---")
				fmt.Println(content)
			}
		},
	}
}

func newSkillsLoader() *skills.Loader {
	cfg, err := config.LoadOrDefault(resolveConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %s\n", err)
		os.Exit(1)
	}
	sources := skills.DefaultSources(cfg.Skills.Dirs, config.ExpandHome("~/.vibekit/skills"))
	return skills.NewLoader(sources, cfg.Skills.Disabled)
}
